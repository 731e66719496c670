package lock_test

import (
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/naudhr/tup/internal/lock"
)

func TestAcquireCreatesFileAndStampsHolderID(t *testing.T) {
	g := NewWithT(t)
	path := filepath.Join(t.TempDir(), "lock")

	l, err := lock.Acquire(path)
	g.Expect(err).NotTo(HaveOccurred())
	defer l.Release()

	g.Expect(l.HolderID).NotTo(BeEmpty())
	g.Expect(path).To(BeAnExistingFile())
}

func TestAcquireFailsWhileHeld(t *testing.T) {
	g := NewWithT(t)
	path := filepath.Join(t.TempDir(), "lock")

	first, err := lock.Acquire(path)
	g.Expect(err).NotTo(HaveOccurred())
	defer first.Release()

	_, err = lock.Acquire(path)
	g.Expect(err).To(MatchError(lock.ErrLocked))
}

func TestReleaseAllowsReacquire(t *testing.T) {
	g := NewWithT(t)
	path := filepath.Join(t.TempDir(), "lock")

	first, err := lock.Acquire(path)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(first.Release()).To(Succeed())

	second, err := lock.Acquire(path)
	g.Expect(err).NotTo(HaveOccurred())
	defer second.Release()
}

func TestReleaseNilIsNoOp(t *testing.T) {
	g := NewWithT(t)
	var l *lock.Lock
	g.Expect(l.Release()).To(Succeed())
}

func TestTwoHoldersGetDistinctHolderIDs(t *testing.T) {
	g := NewWithT(t)
	a, err := lock.Acquire(filepath.Join(t.TempDir(), "a"))
	g.Expect(err).NotTo(HaveOccurred())
	defer a.Release()

	b, err := lock.Acquire(filepath.Join(t.TempDir(), "b"))
	g.Expect(err).NotTo(HaveOccurred())
	defer b.Release()

	g.Expect(a.HolderID).NotTo(Equal(b.HolderID))
}
