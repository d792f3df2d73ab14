package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

// State tracks the phone process lifecycle, not the call. Calls come and
// go inside StateRunning; draining hangs up whatever is still active.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run on the runner goroutine. OnStart fires once the phone is
// accepting work, OnStop after draining finished.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer releases in-flight work before shutdown, typically by hanging up
// the active call and stopping the transport.
type Drainer interface {
	Drain() error
}

// DrainerFunc adapts a plain function to the Drainer interface.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

// Version is stamped at build time via -ldflags.
var Version = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"DIALTONE\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
