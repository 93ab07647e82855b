package healthcheck

import (
	"context"
	"fmt"
	"os"

	"github.com/serum-errors/go-serum"

	"github.com/warptools/warpstore/pkg/index"
	"github.com/warptools/warpstore/pkg/store"
	"github.com/warptools/warpstore/pkg/syncer"
	"github.com/warptools/warpstore/wsapi"
)

// DirCheck checks that a directory exists and can be written.
type DirCheck struct {
	Name string
	Path string
	// Optional directories are only reported, not failed, when missing.
	Optional bool
}

func (c *DirCheck) String() string {
	return c.Name
}

// Run
//
// Errors:
//
//   - warpstore-error-healthcheck-run-okay -- when the directory is usable
//   - warpstore-error-healthcheck-run-ambiguous -- when an optional directory is missing
//   - warpstore-error-healthcheck-run-fail -- when it is missing, not a directory, or read-only
func (c *DirCheck) Run(ctx context.Context) error {
	fi, err := os.Stat(c.Path)
	if os.IsNotExist(err) && c.Optional {
		return serum.Errorf(CodeRunAmbiguous, "%s does not exist yet", c.Path)
	}
	if err != nil {
		return serum.Error(CodeRunFailure, serum.WithCause(err),
			serum.WithMessageTemplate("cannot stat {{path|q}}"),
			serum.WithDetail("path", c.Path),
		)
	}
	if !fi.IsDir() {
		return serum.Error(CodeRunFailure,
			serum.WithMessageTemplate("{{path|q}} is not a directory"),
			serum.WithDetail("path", c.Path),
		)
	}
	if err := writeAccess(c.Path); err != nil {
		return err
	}
	return serum.Errorf(CodeRunOkay, "%s", c.Path)
}

// StoreCheck looks up an id that is never stored, which exercises the
// backend's read path without writing anything.
type StoreCheck struct {
	Store *store.Store
}

func (c *StoreCheck) String() string {
	return "Content store"
}

var sentinel = wsapi.NewObjectID(wsapi.ObjectKind_Leaf, []byte("warpstore healthcheck sentinel"))

// Run
//
// Errors:
//
//   - warpstore-error-healthcheck-run-okay -- when the backend answers
//   - warpstore-error-healthcheck-run-fail -- when the lookup fails
func (c *StoreCheck) Run(ctx context.Context) error {
	if _, err := c.Store.TryGet(ctx, wsapi.ObjectItem(sentinel)); err != nil {
		return serum.Error(CodeRunFailure, serum.WithCause(err),
			serum.WithMessageTemplate("lookup failed: {{err}}"),
			serum.WithDetail("err", err.Error()),
		)
	}
	return serum.Errorf(CodeRunOkay, "backend answers")
}

// IndexCheck reports the recompute backlog.
type IndexCheck struct {
	Index *index.Index
}

func (c *IndexCheck) String() string {
	return "Index"
}

// Run
//
// Errors:
//
//   - warpstore-error-healthcheck-run-okay -- when nothing is queued
//   - warpstore-error-healthcheck-run-ambiguous -- when recomputations are waiting
//   - warpstore-error-healthcheck-run-fail -- when the index can't be read
func (c *IndexCheck) Run(ctx context.Context) error {
	n, err := c.Index.QueueSize(ctx)
	if err != nil {
		return serum.Error(CodeRunFailure, serum.WithCause(err),
			serum.WithMessageTemplate("reading queue failed: {{err}}"),
			serum.WithDetail("err", err.Error()),
		)
	}
	if n > 0 {
		return serum.Errorf(CodeRunAmbiguous, "%d recomputations queued; run `warpstore index` to drain", n)
	}
	return serum.Errorf(CodeRunOkay, "queue empty")
}

// RemoteCheck dials the default sync peer.
type RemoteCheck struct {
	Addr string
}

func (c *RemoteCheck) String() string {
	return "Remote"
}

// Run
//
// Errors:
//
//   - warpstore-error-healthcheck-run-okay -- when the peer accepts a connection
//   - warpstore-error-healthcheck-run-ambiguous -- when no peer is configured
//   - warpstore-error-healthcheck-run-fail -- when the peer can't be reached
func (c *RemoteCheck) Run(ctx context.Context) error {
	if c.Addr == "" {
		return serum.Errorf(CodeRunAmbiguous, "no remote configured")
	}
	conn, err := syncer.Dial(ctx, c.Addr)
	if err != nil {
		return serum.Error(CodeRunFailure, serum.WithCause(err),
			serum.WithMessageTemplate("cannot reach {{addr|q}}"),
			serum.WithDetail("addr", c.Addr),
		)
	}
	conn.Close()
	return serum.Errorf(CodeRunOkay, "%s accepts connections", c.Addr)
}

// KernelInfo reports the running kernel.
type KernelInfo struct{}

func (k *KernelInfo) String() string {
	return "Kernel info"
}

// Run
//
// Errors:
//
//   - warpstore-error-healthcheck-run-ambiguous -- always, carrying the kernel description
func (k *KernelInfo) Run(ctx context.Context) error {
	s, err := kernel()
	if err != nil {
		return serum.Errorf(CodeRunAmbiguous, "unavailable: %s", err)
	}
	return serum.Errorf(CodeRunAmbiguous, "%s", s)
}

func kernelString(sysname, release, version, machine string) string {
	return fmt.Sprintf("%s %s %s (%s)", sysname, release, machine, version)
}
