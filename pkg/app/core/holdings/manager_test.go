package holdings

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperestate/pkg/app/core"
	"github.com/uhyunpark/hyperestate/pkg/util"
)

func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(dir, "holdings"), util.NewMockClock(time.Unix(1_750_000_000, 0)), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreditAndVerify(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Close()

	if m.VerifySellerHolding("alice", "HV", 1) {
		t.Error("empty holding should not verify")
	}
	if err := m.Credit("alice", "HV", 100); err != nil {
		t.Fatal(err)
	}
	if err := m.Credit("alice", "HV", 0); err == nil {
		t.Error("zero credit should fail")
	}

	tests := []struct {
		qty  int64
		want bool
	}{
		{1, true},
		{100, true},
		{101, false},
	}
	for _, tt := range tests {
		if got := m.VerifySellerHolding("alice", "HV", tt.qty); got != tt.want {
			t.Errorf("VerifySellerHolding(%d) = %v, want %v", tt.qty, got, tt.want)
		}
	}
}

func TestApplySettlement(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Close()

	_ = m.Credit("seller", "HV", 50)
	if err := m.ApplySettlement("buyer", "seller", "HV", 30); err != nil {
		t.Fatal(err)
	}

	if q, _ := m.Get("seller", "HV"); q != 20 {
		t.Errorf("seller = %d, want 20", q)
	}
	if q, _ := m.Get("buyer", "HV"); q != 30 {
		t.Errorf("buyer = %d, want 30", q)
	}

	err := m.ApplySettlement("buyer", "seller", "HV", 21)
	if !errors.Is(err, core.ErrInsufficientHolding) {
		t.Fatalf("err = %v, want ErrInsufficientHolding", err)
	}
	if q, _ := m.Get("seller", "HV"); q != 20 {
		t.Errorf("failed settlement must not change seller, got %d", q)
	}

	if err := m.ApplySettlement("x", "x", "HV", 1); err == nil {
		t.Error("self settlement should fail")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)
	_ = m.Credit("seller", "HV", 10)
	_ = m.Credit("seller", "OTHER", 3)
	_ = m.ApplySettlement("buyer", "seller", "HV", 4)
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTestManager(t, dir)
	defer reopened.Close()

	if q, _ := reopened.Get("buyer", "HV"); q != 4 {
		t.Errorf("buyer after reopen = %d, want 4", q)
	}
	list, err := reopened.ListByUser("seller")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].TokenID != "HV" || list[0].Quantity != 6 || list[1].Quantity != 3 {
		t.Errorf("seller holdings = %+v", list)
	}
}

func TestConcurrentSettlementsConserveSupply(t *testing.T) {
	m := newTestManager(t, t.TempDir())
	defer m.Close()
	_ = m.Credit("a", "HV", 1000)
	_ = m.Credit("b", "HV", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = m.ApplySettlement("b", "a", "HV", 3) }()
		go func() { defer wg.Done(); _ = m.ApplySettlement("a", "b", "HV", 2) }()
	}
	wg.Wait()

	qa, _ := m.Get("a", "HV")
	qb, _ := m.Get("b", "HV")
	if qa+qb != 2000 {
		t.Errorf("supply not conserved: %d + %d", qa, qb)
	}
	if qa != 900 || qb != 1100 {
		t.Errorf("a=%d b=%d, want 900/1100", qa, qb)
	}
}
