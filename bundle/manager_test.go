package bundle

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/ndlib/bundo/backend"
	"github.com/ndlib/bundo/manifest"
	"github.com/ndlib/bundo/op"
	"github.com/ndlib/bundo/store"
)

// fakeBackend keeps bundle files in a memory store. Bundles not yet
// present are acquired by a fakeAcquire taking a few ticks.
type fakeBackend struct {
	store    *store.Memory
	files    map[string][]byte // content appearing once acquired
	fail     map[string]error
	acquired map[string]int
	ticks    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		store:    store.NewMemory(),
		files:    make(map[string][]byte),
		fail:     make(map[string]error),
		acquired: make(map[string]int),
		ticks:    2,
	}
}

func (f *fakeBackend) Name() string                      { return "fake" }
func (f *fakeBackend) Eligible(b *manifest.Bundle) bool { return true }

func (f *fakeBackend) Has(b *manifest.Bundle) bool {
	_, err := store.Stat(f.store, b.FileName)
	return err == nil
}

func (f *fakeBackend) Acquire(b *manifest.Bundle) backend.Acquirer {
	f.acquired[b.ID]++
	return &fakeAcquire{f: f, b: b}
}

func (f *fakeBackend) Open(b *manifest.Bundle) (store.ReadAtCloser, int64, error) {
	return f.store.Open(b.FileName)
}

type fakeAcquire struct {
	op.Base
	f       *fakeBackend
	b       *manifest.Bundle
	updates int
}

func (a *fakeAcquire) Bundle() *manifest.Bundle { return a.b }
func (a *fakeAcquire) Downloaded() int64        { return 0 }
func (a *fakeAcquire) OnStart()                 {}
func (a *fakeAcquire) OnAbort()                 {}

func (a *fakeAcquire) OnUpdate() {
	a.updates++
	if err := a.f.fail[a.b.ID]; err != nil {
		a.Fail(err)
		return
	}
	a.SetProgress(float64(a.updates) / float64(a.f.ticks))
	if a.updates < a.f.ticks {
		return
	}
	w, err := a.f.store.Create(a.b.FileName)
	if err == nil {
		_, err = w.Write(a.f.files[a.b.FileName])
		w.Close()
	}
	if err != nil {
		a.Fail(err)
		return
	}
	a.Succeed()
}

// makeZip returns a bundle archive holding the given entries.
func makeZip(t *testing.T, entries map[string]string) []byte {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for name, content := range entries {
		if err := w.Add(name, []byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// testPackage has ui/icon in B1, which depends on B2, and a raw bundle R1.
func testPackage(t *testing.T) (*Manager, *op.Scheduler, *fakeBackend) {
	be := newFakeBackend()
	be.files["b1.zip"] = makeZip(t, map[string]string{"ui/icon": "icon", "ui/other": "other"})
	be.files["b2.zip"] = makeZip(t, map[string]string{"ui/shared": "shared"})
	be.files["b3.zip"] = makeZip(t, map[string]string{"ui/menu": "menu"})
	be.files["r1.ogg"] = []byte("raw audio")
	m, err := manifest.New("game", "1", []*manifest.Bundle{
		{ID: "B1", FileName: "b1.zip", DependIDs: []string{"B2"}},
		{ID: "B2", FileName: "b2.zip"},
		{ID: "B3", FileName: "b3.zip", DependIDs: []string{"B2"}},
		{ID: "R1", FileName: "r1.ogg", Raw: true},
	}, map[string]string{
		"ui/icon":     "B1",
		"ui/menu":     "B3",
		"music/theme": "R1",
	})
	if err != nil {
		t.Fatal(err)
	}
	s := op.New(op.Config{WaitInterval: -1, MaxWaitSteps: 100})
	mgr := NewManager(Config{
		Group:     "game",
		Scheduler: s,
		Manifest:  func() *manifest.Manifest { return m },
		Backend:   func(b *manifest.Bundle) (backend.Backend, error) { return be, nil },
	})
	return mgr, s, be
}

func TestRequestAsset(t *testing.T) {
	mgr, _, be := testPackage(t)
	h := mgr.RequestAsset("ui/icon")
	if h.Done() {
		t.Fatalf("Got done before any tick")
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("Got %v, expected nil", err)
	}
	if h.Status() != op.StatusSucceeded || h.Phase() != PhaseReady {
		t.Errorf("Got %v %v, expected succeeded ready", h.Status(), h.Phase())
	}
	if h.Progress() != 1 {
		t.Errorf("Got progress %v, expected 1", h.Progress())
	}
	data, err := h.ReadAll("")
	if err != nil || string(data) != "icon" {
		t.Errorf("Got %q, %v, expected icon", data, err)
	}
	data, err = h.ReadAll("ui/other")
	if err != nil || string(data) != "other" {
		t.Errorf("Got %q, %v, expected other", data, err)
	}
	_, err = h.Open("nope")
	if errors.Cause(err) != ErrNoEntry {
		t.Errorf("Got %v, expected %v", err, ErrNoEntry)
	}
	if got := h.Bundles(); len(got) != 2 || got[0] != "B1" || got[1] != "B2" {
		t.Errorf("Got %v, expected [B1 B2]", got)
	}
	if be.acquired["B1"] != 1 || be.acquired["B2"] != 1 {
		t.Errorf("Got %v, expected one acquisition each", be.acquired)
	}

	// the whole lifecycle: release, then unload
	if mgr.InUse("B1") != true {
		t.Errorf("Got B1 not in use")
	}
	if err := h.Release(); err != nil {
		t.Errorf("Got %v, expected nil", err)
	}
	if n := mgr.LoaderRefs("B1"); n != 1 {
		t.Errorf("Got %d refs before unload, expected 1", n)
	}
	if n := mgr.UnloadUnused(); n != 2 {
		t.Errorf("Got %d unloaded, expected 2", n)
	}
	if mgr.InUse("B1") || mgr.InUse("B2") || mgr.ProviderCount() != 0 {
		t.Errorf("Got loaders %v and %d providers, expected none", mgr.LoaderIDs(), mgr.ProviderCount())
	}
	if n := mgr.UnloadUnused(); n != 0 {
		t.Errorf("Got %d unloaded the second time, expected 0", n)
	}
	if h.IsValid() {
		t.Errorf("Got a valid handle after unload")
	}
}

func TestSharedRequests(t *testing.T) {
	mgr, s, be := testPackage(t)
	h1 := mgr.RequestAsset("ui/icon")
	h2 := mgr.RequestAsset("ui/icon")
	h3 := mgr.RequestAsset("ui/menu")
	if mgr.ProviderCount() != 2 {
		t.Errorf("Got %d providers, expected 2", mgr.ProviderCount())
	}
	for !h1.Done() || !h3.Done() {
		s.Tick()
	}
	if !h2.Done() || h2.Err() != nil {
		t.Errorf("Got %v, expected the shared request to be done", h2.Err())
	}
	// B2 is shared by both providers
	if be.acquired["B2"] != 1 {
		t.Errorf("Got %d acquisitions of B2, expected 1", be.acquired["B2"])
	}
	if n := mgr.LoaderRefs("B2"); n != 2 {
		t.Errorf("Got %d refs on B2, expected 2", n)
	}

	h1.Release()
	if n := mgr.UnloadUnused(); n != 0 {
		t.Errorf("Got %d unloaded with a handle outstanding, expected 0", n)
	}
	h2.Release()
	if n := mgr.UnloadUnused(); n != 1 {
		t.Errorf("Got %d unloaded, expected only B1", n)
	}
	if !mgr.InUse("B2") || mgr.InUse("B1") {
		t.Errorf("Got loaders %v, expected [B2 B3]", mgr.LoaderIDs())
	}
	data, err := h3.ReadAll("ui/menu")
	if err != nil || string(data) != "menu" {
		t.Errorf("Got %q, %v, expected menu", data, err)
	}
}

func TestReleaseTwice(t *testing.T) {
	mgr, _, _ := testPackage(t)
	h := mgr.RequestAsset("ui/icon")
	if err := h.Release(); err != nil {
		t.Errorf("Got %v, expected nil", err)
	}
	if err := h.Release(); err != ErrHandleReleased {
		t.Errorf("Got %v, expected %v", err, ErrHandleReleased)
	}
	if _, err := h.ReadAll(""); err != ErrInvalidHandle {
		t.Errorf("Got %v, expected %v", err, ErrInvalidHandle)
	}
	var nilHandle *Handle
	if nilHandle.IsValid() {
		t.Errorf("Got a valid nil handle")
	}
}

func TestNotReady(t *testing.T) {
	mgr, _, _ := testPackage(t)
	h := mgr.RequestAsset("ui/icon")
	if _, err := h.Open(""); err != ErrNotReady {
		t.Errorf("Got %v, expected %v", err, ErrNotReady)
	}
}

func TestUnknownAsset(t *testing.T) {
	mgr, _, _ := testPackage(t)
	h := mgr.RequestAsset("ui/missing")
	err := h.Wait()
	if errors.Cause(err) != manifest.ErrUnknownAsset {
		t.Errorf("Got %v, expected %v", err, manifest.ErrUnknownAsset)
	}
	if h.LastError() == "" {
		t.Errorf("Got an empty LastError")
	}
}

func TestFailurePropagates(t *testing.T) {
	mgr, _, be := testPackage(t)
	boom := errors.New("boom")
	be.fail["B2"] = boom
	h := mgr.RequestAsset("ui/icon")
	err := h.Wait()
	if errors.Cause(err) != boom {
		t.Errorf("Got %v, expected %v", err, boom)
	}

	// a new request while the failure is still held makes a fresh try
	delete(be.fail, "B2")
	h2 := mgr.RequestAsset("ui/icon")
	if mgr.ProviderCount() != 2 {
		t.Errorf("Got %d providers, expected 2", mgr.ProviderCount())
	}
	h.Release()
	if err := h2.Wait(); err != nil {
		t.Errorf("Got %v, expected nil", err)
	}
	if be.acquired["B2"] != 2 {
		t.Errorf("Got %d acquisitions, expected 2", be.acquired["B2"])
	}
}

func TestFailureWaitsForSiblings(t *testing.T) {
	mgr, s, be := testPackage(t)
	boom := errors.New("boom")
	be.fail["B2"] = boom
	be.ticks = 50
	h := mgr.RequestAsset("ui/icon")
	for i := 0; i < 10; i++ {
		s.Tick()
	}
	if mgr.loaders["B2"].Status() != op.StatusFailed {
		t.Fatalf("Got %v, expected B2 failed", mgr.loaders["B2"].Status())
	}
	if h.Done() {
		t.Errorf("Got done while B1 is still loading")
	}
	err := h.Wait()
	if errors.Cause(err) != boom {
		t.Errorf("Got %v, expected %v", err, boom)
	}
	if l := mgr.loaders["B1"]; !l.IsDone() {
		t.Errorf("Got B1 %v, expected done", l.Status())
	}
}

func TestRequestRaw(t *testing.T) {
	mgr, _, _ := testPackage(t)
	h := mgr.RequestRaw("music/theme")
	if err := h.Wait(); err != nil {
		t.Fatalf("Got %v, expected nil", err)
	}
	r, err := h.OpenRaw()
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, r.Size())
	r.ReadAt(buf, 0)
	if string(buf) != "raw audio" {
		t.Errorf("Got %q, expected raw audio", buf)
	}
	names, err := h.Names()
	if err != nil || names != nil {
		t.Errorf("Got %v, %v, expected no names", names, err)
	}

	h2 := mgr.RequestRaw("ui/icon")
	if err := h2.Wait(); err == nil {
		t.Errorf("Got nil, expected an error for a non raw bundle")
	}
}

func TestAlreadyPresent(t *testing.T) {
	mgr, _, be := testPackage(t)
	w, _ := be.store.Create("r1.ogg")
	w.Write([]byte("shipped"))
	w.Close()
	h := mgr.RequestRaw("music/theme")
	if err := h.Wait(); err != nil {
		t.Fatalf("Got %v, expected nil", err)
	}
	if be.acquired["R1"] != 0 {
		t.Errorf("Got %d acquisitions, expected 0", be.acquired["R1"])
	}
}

func TestUnloadAll(t *testing.T) {
	mgr, s, _ := testPackage(t)
	h1 := mgr.RequestAsset("ui/icon")
	s.Tick()
	if h1.Done() {
		t.Fatalf("Got done after one tick")
	}
	mgr.UnloadAll()
	if h1.IsValid() {
		t.Errorf("Got a valid handle after UnloadAll")
	}
	if mgr.ProviderCount() != 0 || len(mgr.LoaderIDs()) != 0 {
		t.Errorf("Got %d providers and loaders %v, expected none", mgr.ProviderCount(), mgr.LoaderIDs())
	}
	if err := h1.Release(); err != ErrInvalidHandle {
		t.Errorf("Got %v, expected %v", err, ErrInvalidHandle)
	}
	// the package still works afterwards
	h2 := mgr.RequestAsset("ui/icon")
	if err := h2.Wait(); err != nil {
		t.Errorf("Got %v, expected nil", err)
	}
}

func TestReleaseUnderflowPanics(t *testing.T) {
	mgr, _, _ := testPackage(t)
	h := mgr.RequestAsset("ui/icon")
	mgr.provider(h.id).refs = 0
	defer func() {
		if recover() == nil {
			t.Errorf("Got no panic, expected one")
		}
	}()
	h.Release()
}
