package graphstore_test

import (
	"context"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/naudhr/tup/internal/graphstore"
)

func openTestStore(t *testing.T) *graphstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := graphstore.Open(filepath.Join(dir, "db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateNodeRejectsSiblingDuplicate(t *testing.T) {
	g := NewWithT(t)
	s := openTestStore(t)
	ctx := context.Background()

	txn, err := s.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	defer txn.Rollback()

	_, err = txn.CreateNode(graphstore.RootNodeID, "hello.c", graphstore.TypeFile)
	g.Expect(err).NotTo(HaveOccurred())

	_, err = txn.CreateNode(graphstore.RootNodeID, "hello.c", graphstore.TypeFile)
	g.Expect(err).To(MatchError(graphstore.ErrDuplicateName))
}

func TestGhostRevivalReusesID(t *testing.T) {
	g := NewWithT(t)
	s := openTestStore(t)
	ctx := context.Background()

	txn, err := s.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())

	id, err := txn.CreateNode(graphstore.RootNodeID, "bar", graphstore.TypeGeneratedFile)
	g.Expect(err).NotTo(HaveOccurred())

	other, err := txn.CreateNode(graphstore.RootNodeID, "cmd", graphstore.TypeCommand)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(txn.CreateLink(other, id, graphstore.StyleSticky)).To(Succeed())

	// Deleting bar while a Sticky edge still points to it must ghost it,
	// not destroy it (design §3.1 Ghost lifecycle).
	g.Expect(txn.DeleteNode(id)).To(Succeed())
	n, err := txn.GetNode(id)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n.Type).To(Equal(graphstore.TypeGhost))

	// Revival: create_node(p,n,t) after delete_node reuses the original id
	// iff a Ghost remained (design §8 "Revival").
	revived, err := txn.CreateNode(graphstore.RootNodeID, "bar", graphstore.TypeGeneratedFile)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(revived).To(Equal(id))

	n, err = txn.GetNode(id)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(n.Type).To(Equal(graphstore.TypeGeneratedFile))
	g.Expect(n.Mtime.Kind).To(Equal(graphstore.MtimeInvalid))

	g.Expect(txn.Commit()).To(Succeed())
}

func TestFlagIdempotence(t *testing.T) {
	g := NewWithT(t)
	s := openTestStore(t)
	ctx := context.Background()
	txn, err := s.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	defer txn.Rollback()

	id, err := txn.CreateNode(graphstore.RootNodeID, "x", graphstore.TypeFile)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(txn.Flag(id, graphstore.FlagModify)).To(Succeed())
	g.Expect(txn.Flag(id, graphstore.FlagModify)).To(Succeed())
	in, err := txn.InFlag(id, graphstore.FlagModify)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(in).To(BeTrue())

	g.Expect(txn.Unflag(id, graphstore.FlagModify)).To(Succeed())
	g.Expect(txn.Unflag(id, graphstore.FlagModify)).To(Succeed())
	in, err = txn.InFlag(id, graphstore.FlagModify)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(in).To(BeFalse())
}

func TestCreateLinkDetectsCycle(t *testing.T) {
	g := NewWithT(t)
	s := openTestStore(t)
	ctx := context.Background()
	txn, err := s.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	defer txn.Rollback()

	a, err := txn.CreateNode(graphstore.RootNodeID, "a", graphstore.TypeCommand)
	g.Expect(err).NotTo(HaveOccurred())
	b, err := txn.CreateNode(graphstore.RootNodeID, "b", graphstore.TypeCommand)
	g.Expect(err).NotTo(HaveOccurred())

	g.Expect(txn.CreateLink(a, b, graphstore.StyleSticky)).To(Succeed())
	err = txn.CreateLink(b, a, graphstore.StyleSticky)
	g.Expect(err).To(MatchError(graphstore.ErrCycleDetected))
}

func TestSiblingUniquenessAcrossDirectories(t *testing.T) {
	g := NewWithT(t)
	s := openTestStore(t)
	ctx := context.Background()
	txn, err := s.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	defer txn.Rollback()

	d1, err := txn.CreateNode(graphstore.RootNodeID, "d1", graphstore.TypeDir)
	g.Expect(err).NotTo(HaveOccurred())
	d2, err := txn.CreateNode(graphstore.RootNodeID, "d2", graphstore.TypeDir)
	g.Expect(err).NotTo(HaveOccurred())

	// The same leaf name is fine in two different directories.
	_, err = txn.CreateNode(d1, "main.c", graphstore.TypeFile)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = txn.CreateNode(d2, "main.c", graphstore.TypeFile)
	g.Expect(err).NotTo(HaveOccurred())
}

func TestDeleteDirRequiresForceWhenNonEmpty(t *testing.T) {
	g := NewWithT(t)
	s := openTestStore(t)
	ctx := context.Background()
	txn, err := s.Begin(ctx)
	g.Expect(err).NotTo(HaveOccurred())
	defer txn.Rollback()

	d, err := txn.CreateNode(graphstore.RootNodeID, "d", graphstore.TypeDir)
	g.Expect(err).NotTo(HaveOccurred())
	_, err = txn.CreateNode(d, "f", graphstore.TypeFile)
	g.Expect(err).NotTo(HaveOccurred())

	err = txn.DeleteDir(d, false)
	g.Expect(err).To(MatchError(graphstore.ErrDirNotEmpty))

	g.Expect(txn.DeleteDir(d, true)).To(Succeed())
	_, err = txn.GetNode(d)
	g.Expect(err).To(MatchError(graphstore.ErrNotFound))
}
