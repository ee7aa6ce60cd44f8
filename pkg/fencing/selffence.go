package fencing

import (
	"errors"
	"os"
	"strings"
	"time"
)

// dynamicListCacheTTL is how long a dynamic-list device's cached host
// list is trusted before list is re-run.
const dynamicListCacheTTL = 60 * time.Second

// selfFenceExitCode is returned to the process supervisor when this node
// observes that it was fenced but has no way to halt itself; it is
// deliberately distinctive so an init system configured not to restart on
// this code won't resurrect a node the rest of the cluster has declared
// dead.
const selfFenceExitCode = 100

// defaultSelfFence attempts to halt the machine via sysrq, the same
// mechanism self-fencing implementations fall back to when no smarter
// watchdog integration is configured.
func defaultSelfFence() error {
	f, err := os.OpenFile("/proc/sysrq-trigger", os.O_WRONLY, 0)
	if err != nil {
		return errors.New("fencing: no self-halt mechanism available: " + err.Error())
	}
	defer f.Close()
	_, err = f.WriteString("o")
	return err
}

func defaultExit(code int) {
	os.Exit(code)
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(strings.TrimSpace(s), "\n")
}
