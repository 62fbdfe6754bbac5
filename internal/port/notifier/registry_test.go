package notifier

import (
	"context"
	"errors"
	"testing"
)

type stubNotifier struct{ name string }

func (s stubNotifier) Name() string                                 { return s.name }
func (s stubNotifier) Capabilities() Capabilities                   { return Capabilities{} }
func (s stubNotifier) Send(_ context.Context, _ Notification) error { return nil }

func TestRegisterAndBuild(t *testing.T) {
	Register("stub-ok", func(_ map[string]string) (Notifier, error) {
		return stubNotifier{name: "stub-ok"}, nil
	})
	Register("stub-off", func(_ map[string]string) (Notifier, error) {
		return nil, ErrNotConfigured
	})

	got, err := Build(map[string]map[string]string{
		"stub-ok":  {},
		"stub-off": {},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(got) != 1 || got[0].Name() != "stub-ok" {
		t.Fatalf("expected only stub-ok, got %v", got)
	}
}

func TestNewUnknown(t *testing.T) {
	if _, err := New("does-not-exist", nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	Register("stub-dup", func(_ map[string]string) (Notifier, error) { return nil, errors.New("unused") })
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	Register("stub-dup", func(_ map[string]string) (Notifier, error) { return nil, errors.New("unused") })
}
