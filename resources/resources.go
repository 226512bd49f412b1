// Package resources contains functions to prepare paths for stepwin32
// resources.
//
// The JoinPath() function returns the correct path to the resource
// directory/file specified in the arguments. It handles the creation of
// directories as required but does not otherwise touch or create files.
//
// Resources are rooted in the user's home directory, in a directory named
// after the program:
//
//	/home/user/.stepwin32
package resources

import (
	"os"
	"path/filepath"
)

const baseDir = ".stepwin32"

// JoinPath prepends the supplied path with the stepwin32 resources base path.
//
// The function creates all folders necessary to reach the end of sub-path. It
// does not otherwise touch or create the file.
func JoinPath(path ...string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	p := filepath.Join(append([]string{home, baseDir}, path...)...)

	// check if path already exists. if it does then return immediately
	if fi, err := os.Stat(p); err == nil {
		if fi.IsDir() {
			return p, nil
		}
		return p, nil
	}

	// create all directories up to but not including the last element of the
	// path. the last element is assumed to be a file unless it is the base
	// directory itself
	d := filepath.Dir(p)
	if len(path) == 0 {
		d = p
	}
	if err := os.MkdirAll(d, 0700); err != nil {
		return "", err
	}

	return p, nil
}
