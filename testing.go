package claudefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dirkpetersen/claudefs/internal/ioengine"
)

// NewTestNode builds a single-site Node rooted under the test's temp
// directory, with one backing device pre-registered, for use by
// tests in other packages that need a throwaway Node without
// repeating NewNode's wiring. Mirrors the teacher's MockBackend in
// spirit: a ready-to-use test double, but for a whole Node rather than a
// single Backend, since ClaudeFS's device abstraction (internal/ioengine)
// is file-based rather than pluggable per spec.md §4.1.
func NewTestNode(t testing.TB, siteID uint64) *Node {
	t.Helper()

	params := DefaultParams(siteID, t.TempDir())
	params.IOEngine = ioengine.Config{Alignment: 512, QueueDepth: 8, MaxIOSize: 1 << 20}
	params.HMACKey = []byte("claudefs-test-hmac-key")

	node, err := NewNode(params, nil, nil)
	if err != nil {
		t.Fatalf("claudefs: NewTestNode: %v", err)
	}
	t.Cleanup(func() {
		node.IOEngine.CloseAll()
		_ = node.Journal.Close()
	})

	dir := t.TempDir()
	path := filepath.Join(dir, "device0")
	if err := node.RegisterDevice(0, path, os.O_RDWR|os.O_CREATE, 0o600, 64<<20); err != nil {
		t.Fatalf("claudefs: NewTestNode: register device: %v", err)
	}

	return node
}
