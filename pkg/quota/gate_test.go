package quota

import (
	"testing"
	"time"

	"r3chat/pkg/config"
	"r3chat/pkg/logger"
	"r3chat/pkg/store"
)

func testGate(t *testing.T, anonDaily, freeDaily int) *Gate {
	t.Helper()
	logger.Init()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := &config.Config{}
	cfg.Quota.AnonymousDaily = anonDaily
	cfg.Quota.FreeDaily = freeDaily
	cfg.Security.RateLimit.RPS = 1000
	cfg.Security.RateLimit.Burst = 1000
	return NewGate(cfg)
}

func TestAnonymousDailyCeiling(t *testing.T) {
	g := testGate(t, 2, 0)
	for i := 0; i < 2; i++ {
		d, err := g.CheckAndConsume("anon-1", ClassAnonymous, "model-a")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d unexpectedly denied: %+v", i, d)
		}
	}
	d, err := g.CheckAndConsume("anon-1", ClassAnonymous, "model-a")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected denial after ceiling")
	}
	if d.Kind != KindAnonymous {
		t.Fatalf("expected kind %q got %q", KindAnonymous, d.Kind)
	}
	if d.RetryAfter < 1 || d.RetryAfter > 24*60*60 {
		t.Fatalf("retry_after out of range: %d", d.RetryAfter)
	}
}

func TestPaidIsUnlimited(t *testing.T) {
	g := testGate(t, 2, 2)
	for i := 0; i < 20; i++ {
		d, err := g.CheckAndConsume("user-paid", ClassPaid, "model-a")
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("paid request denied: %+v", d)
		}
	}
}

func TestModelSubLimit(t *testing.T) {
	g := testGate(t, 0, 100)
	g.cfg.Quota.Models = []struct {
		Name  string `yaml:"name"`
		Daily int    `yaml:"daily"`
	}{{Name: "expensive-model", Daily: 1}}

	d, err := g.CheckAndConsume("user-1", ClassFree, "expensive-model")
	if err != nil || !d.Allowed {
		t.Fatalf("first request should pass: %+v err=%v", d, err)
	}
	d, err = g.CheckAndConsume("user-1", ClassFree, "expensive-model")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.Kind != KindModel {
		t.Fatalf("expected model limit denial, got %+v", d)
	}
	// Other models remain available under the global ceiling.
	d, err = g.CheckAndConsume("user-1", ClassFree, "cheap-model")
	if err != nil || !d.Allowed {
		t.Fatalf("other model should pass: %+v err=%v", d, err)
	}
}

func TestDeniedRequestsDoNotConsume(t *testing.T) {
	g := testGate(t, 1, 0)
	if d, _ := g.CheckAndConsume("anon-2", ClassAnonymous, "m"); !d.Allowed {
		t.Fatalf("first request denied: %+v", d)
	}
	for i := 0; i < 3; i++ {
		if d, _ := g.CheckAndConsume("anon-2", ClassAnonymous, "m"); d.Allowed {
			t.Fatalf("expected denial")
		}
	}
	n, err := store.GetDailyCount("global", "anon-2", time.Now().UTC())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("denied requests consumed quota: count=%d", n)
	}
}

func TestBurstLimiter(t *testing.T) {
	g := testGate(t, 0, 0)
	g.pool = &limiterPool{rps: 1, burst: 1}
	if d, _ := g.CheckAndConsume("user-b", ClassPaid, "m"); !d.Allowed {
		t.Fatalf("first request should pass burst limiter: %+v", d)
	}
	d, _ := g.CheckAndConsume("user-b", ClassPaid, "m")
	if d.Allowed || d.Kind != KindBurst {
		t.Fatalf("expected burst denial, got %+v", d)
	}
}
