package runner

import (
	"fmt"
	"os"
	"sync"
)

// enterDir changes the process working directory to dir and returns a
// function that changes it back. Only the first call of leave has an effect.
func enterDir(dir string) (leave func() error, err error) {
	previous, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("reading working directory: %w", err)
	}
	if err := os.Chdir(dir); err != nil {
		return nil, fmt.Errorf("entering script directory: %w", err)
	}

	var once sync.Once
	return func() error {
		var leaveErr error
		once.Do(func() {
			if err := os.Chdir(previous); err != nil {
				leaveErr = fmt.Errorf("restoring working directory %s: %w", previous, err)
			}
		})
		return leaveErr
	}, nil
}
