package main

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openBrowser launches the platform URL handler for url. An error means the
// link could not be opened and must be shown to the user instead.
func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	// The handler detaches; reap it without blocking the prompt.
	go func() { _ = cmd.Wait() }()
	return nil
}
