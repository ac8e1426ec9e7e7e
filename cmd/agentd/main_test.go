package main

import (
	"testing"

	"github.com/oxideagent/runtime/internal/agent"
)

func TestBuildRootCmdHasServeAndSessionCommands(t *testing.T) {
	root := buildRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	if !names["serve"] {
		t.Error(`expected a "serve" subcommand`)
	}
	if !names["session"] {
		t.Error(`expected a "session" subcommand`)
	}

	for _, c := range root.Commands() {
		if c.Name() != "session" {
			continue
		}
		sub := map[string]bool{}
		for _, s := range c.Commands() {
			sub[s.Name()] = true
		}
		if !sub["reset"] {
			t.Error(`expected "session reset" subcommand`)
		}
		if !sub["cancel"] {
			t.Error(`expected "session cancel" subcommand`)
		}
	}
}

func TestSessionRegistryCancelCurrent(t *testing.T) {
	reg := newSessionRegistry(nil)
	if reg.cancelCurrent("nobody") {
		t.Fatal("expected cancelCurrent to report false for an unknown user")
	}

	sess := reg.getOrCreate("u1", 1000)
	if reg.cancelCurrent("u1") {
		t.Fatal("expected cancelCurrent to report false before any task is running")
	}

	sess.mu.Lock()
	sess.cancel = agent.NewCancelToken()
	sess.mu.Unlock()

	if !reg.cancelCurrent("u1") {
		t.Fatal("expected cancelCurrent to report true once a task is running")
	}

	sess.mu.Lock()
	cancelled := sess.cancel.Cancelled()
	sess.mu.Unlock()
	if !cancelled {
		t.Fatal("expected the session's cancel token to be tripped")
	}
}

func TestSessionRegistryReset(t *testing.T) {
	reg := newSessionRegistry(nil)
	reg.getOrCreate("u1", 1000)
	reg.reset("u1")
	if reg.cancelCurrent("u1") {
		t.Fatal("expected reset user to have no in-flight task")
	}
}
