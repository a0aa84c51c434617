package circuit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistry_LazyCreateReturnsSameInstance(t *testing.T) {
	reg := NewRegistry()

	b1, err := reg.Get("llm-anthropic", testConfig())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b2, err := reg.Get("llm-anthropic", FastConfig())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b1 != b2 {
		t.Error("expected the same breaker instance for the same name")
	}
}

func TestRegistry_InvalidConfigRejected(t *testing.T) {
	reg := NewRegistry()

	cfg := testConfig()
	cfg.FailureThreshold = 0
	if _, err := reg.Get("bad", cfg); err == nil {
		t.Fatal("expected construction error for invalid config")
	}
	if _, ok := reg.Lookup("bad"); ok {
		t.Error("failed construction must not register a breaker")
	}
}

func TestRegistry_GetAllAndRemove(t *testing.T) {
	reg := NewRegistry()
	reg.Get("a", testConfig())
	reg.Get("b", testConfig())

	if got := len(reg.GetAll()); got != 2 {
		t.Fatalf("expected 2 breakers, got %d", got)
	}

	reg.Remove("a")
	if _, ok := reg.Lookup("a"); ok {
		t.Error("expected breaker removed")
	}
	if got := len(reg.GetAll()); got != 1 {
		t.Errorf("expected 1 breaker, got %d", got)
	}
}

func TestRegistry_ResetAll(t *testing.T) {
	reg := NewRegistry()
	cfg := testConfig()
	cfg.FailureThreshold = 1

	b1, _ := reg.Get("a", cfg)
	b2, _ := reg.Get("b", cfg)
	b1.RecordFailure(errors.New("boom"))
	b2.RecordFailure(errors.New("boom"))

	reg.ResetAll()
	if b1.State() != StateClosed || b2.State() != StateClosed {
		t.Error("expected all breakers closed after ResetAll")
	}
}

func TestRegistry_StatusSnapshot(t *testing.T) {
	reg := NewRegistry()
	cfg := testConfig()
	cfg.FailureThreshold = 1
	b, _ := reg.Get("llm-openai", cfg)
	b.ForceOpen(time.Minute)

	status := reg.Status()
	st, ok := status["llm-openai"]
	if !ok {
		t.Fatal("expected status entry for llm-openai")
	}
	if st.State != "open" {
		t.Errorf("expected open, got %s", st.State)
	}
	if st.RetryAfterSecs <= 0 {
		t.Error("expected positive retry-after for open circuit")
	}
}

func TestRegistry_DefaultObserverAppliedOnCreate(t *testing.T) {
	reg := NewRegistry()

	var transitions []string
	reg.OnStateChange(func(name string, from, to State) {
		transitions = append(transitions, name+":"+to.String())
	})

	cfg := testConfig()
	cfg.FailureThreshold = 1
	b, err := reg.Get("llm-anthropic", cfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	b.RecordFailure(errors.New("boom"))
	if len(transitions) != 1 || transitions[0] != "llm-anthropic:open" {
		t.Errorf("transitions = %v, want [llm-anthropic:open]", transitions)
	}
}

func TestRegistry_ExplicitObserverWins(t *testing.T) {
	reg := NewRegistry()
	reg.OnStateChange(func(name string, from, to State) {
		t.Error("registry default observer must not fire when config has its own")
	})

	fired := false
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.OnStateChange = func(name string, from, to State) { fired = true }

	b, err := reg.Get("llm-openai", cfg)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b.RecordFailure(errors.New("boom"))
	if !fired {
		t.Error("config observer did not fire")
	}
}

func TestRegistry_ConcurrentGet(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	breakers := make([]*Breaker, 32)
	for i := range breakers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b, err := reg.Get("shared", testConfig())
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			breakers[n] = b
		}(i)
	}
	wg.Wait()

	for _, b := range breakers[1:] {
		if b != breakers[0] {
			t.Fatal("concurrent Get returned different instances")
		}
	}
}
