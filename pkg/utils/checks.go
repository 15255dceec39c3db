package utils

import (
	"os"
	"regexp"

	er "memgov/errors"
)

var moduleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ValidModuleID reports whether id is usable as a registry key.
func ValidModuleID(id string) error {
	if id == "" {
		return er.EmptyModuleID
	}
	if !moduleIDPattern.MatchString(id) {
		return er.EmptyModuleID
	}
	return nil
}

func FileExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func IsRegular(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

func InList(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
