package main

import (
	"os"
	"testing"
	"time"
)

// resetFlags restores global flag state after each test.
func resetFlags(t *testing.T) {
	t.Helper()
	orig := struct {
		db, fmt, signer string
		ratify          time.Duration
	}{flagDB, flagFmt, flagSignerID, flagRatifyWindow}
	t.Cleanup(func() {
		flagDB = orig.db
		flagFmt = orig.fmt
		flagSignerID = orig.signer
		flagRatifyWindow = orig.ratify
	})
}

// setEnv temporarily sets an environment variable and restores it on cleanup.
func setEnv(t *testing.T, key, val string) {
	t.Helper()
	prev, exists := os.LookupEnv(key)
	os.Setenv(key, val)
	t.Cleanup(func() {
		if exists {
			os.Setenv(key, prev)
		} else {
			os.Unsetenv(key)
		}
	})
}

// unsetEnv temporarily unsets an environment variable and restores it on cleanup.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	prev, exists := os.LookupEnv(key)
	os.Unsetenv(key)
	t.Cleanup(func() {
		if exists {
			os.Setenv(key, prev)
		}
	})
}

// isolateHome points HOME at a temp dir so no user config file interferes.
func isolateHome(t *testing.T) {
	t.Helper()
	setEnv(t, "HOME", t.TempDir())
}

func TestResolveConfigEnvDB(t *testing.T) {
	resetFlags(t)
	isolateHome(t)
	setEnv(t, "TRUSTCORE_DATABASE_URL", "postgres://env-host/trustcore")

	flagDB = ""
	resolveConfig()

	if flagDB != "postgres://env-host/trustcore" {
		t.Errorf("flagDB = %q, want the env value", flagDB)
	}
}

func TestResolveConfigRatifyWindow(t *testing.T) {
	resetFlags(t)
	isolateHome(t)
	unsetEnv(t, "TRUSTCORE_DATABASE_URL")
	setEnv(t, "TRUSTCORE_RATIFY_WINDOW", "48h")

	flagRatifyWindow = 0
	resolveConfig()

	if flagRatifyWindow != 48*time.Hour {
		t.Errorf("flagRatifyWindow = %s, want 48h from env", flagRatifyWindow)
	}
}

func TestResolveConfigRatifyWindowFlagWins(t *testing.T) {
	resetFlags(t)
	isolateHome(t)
	setEnv(t, "TRUSTCORE_RATIFY_WINDOW", "48h")

	flagRatifyWindow = 24 * time.Hour
	resolveConfig()

	if flagRatifyWindow != 24*time.Hour {
		t.Errorf("flagRatifyWindow = %s, want the flag to take precedence", flagRatifyWindow)
	}
}

func TestResolveConfigRatifyWindowBadValue(t *testing.T) {
	resetFlags(t)
	isolateHome(t)
	setEnv(t, "TRUSTCORE_RATIFY_WINDOW", "soon")

	flagRatifyWindow = 0
	resolveConfig()

	// Unparseable values fall through to the service default.
	if flagRatifyWindow != 0 {
		t.Errorf("flagRatifyWindow = %s, want 0 for an unparseable value", flagRatifyWindow)
	}
}
