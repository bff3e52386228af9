package cache

import (
	"sync"
	"testing"
)

func TestDefaultPanicsWithoutConfigure(t *testing.T) {
	defaultOnce = sync.Once{}
	defaultBuilder = nil

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Default() to panic before Configure()")
		}
	}()
	Default()
}

func TestSetDefaultInstallsManagerDirectly(t *testing.T) {
	defaultOnce = sync.Once{}

	dl := &fakeDownloader{}
	m := newTestManager(t, dl)
	SetDefault(m)

	if Default() != m {
		t.Fatalf("expected Default() to return the manager installed via SetDefault")
	}
}
