package utils

import (
	"fmt"
	"os"
)

const TaploadDir = ".tapload"

const TAPLOAD_HOME = "TAPLOAD_HOME"

// GetTaploadHomeDirectory resolves the data directory, TAPLOAD_HOME if set,
// otherwise ~/.tapload, and makes sure it exists.
func GetTaploadHomeDirectory() (string, error) {
	if env := os.Getenv(TAPLOAD_HOME); env != "" {
		err := MakeSureDirExists(env)
		if err != nil {
			return "", fmt.Errorf("MakeSureDirExists(env). %w", err)
		}
		return env, nil
	}

	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("os.UserHomeDir(). %w", err)
	}

	taploadDir := homedir + "/" + TaploadDir
	err = MakeSureDirExists(taploadDir)
	if err != nil {
		return "", fmt.Errorf("MakeSureDirExists(taploadDir). %w", err)
	}

	return taploadDir, nil
}

func MakeSureDirExists(dirPath string) error {
	_, err := os.Stat(dirPath)

	if os.IsNotExist(err) {
		err = os.MkdirAll(dirPath, 0764)
		if err != nil {
			return fmt.Errorf("os.MkdirAll(dirPath, 0764) %w", err)
		}
	}

	return nil
}
