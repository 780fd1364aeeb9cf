package chat

import (
	"sync"
	"testing"
	"time"

	"agentchat/internal/domain"
	"agentchat/internal/metrics"
)

func newTestFanIn(p *fakeProvider, tl *Timeline, delivered *[]string, mu *sync.Mutex) *FanIn {
	return NewFanIn(FanInConfig{
		Provider: p,
		Timeline: tl,
		Grace:    10 * time.Millisecond,
		OnDeliver: func(m domain.Message) {
			mu.Lock()
			*delivered = append(*delivered, m.ID)
			mu.Unlock()
		},
		Metrics: metrics.New(),
		Logger:  testLogger(),
	})
}

func TestFanIn_DropsHandoverAndDedups(t *testing.T) {
	p := newFakeProvider()
	tl := NewTimeline()
	var mu sync.Mutex
	var delivered []string
	fi := newTestFanIn(p, tl, &delivered, &mu)
	fi.Start("c1")
	fi.Start("c1")
	defer fi.Stop()

	if p.subscribers("c1") != 1 {
		t.Fatalf("expected one subscription, got %d", p.subscribers("c1"))
	}

	p.push(msgAt("m1", 0))
	p.push(msgAt("m1", 0))
	h := msgAt("h1", time.Second)
	h.Kind = domain.KindHandover
	p.push(h)
	p.push(msgAt("m2", 2*time.Second))

	sameIDs(t, tl.Messages(), "m1", "m2")
	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 2 {
		t.Fatalf("delivered = %v", delivered)
	}
}

func TestFanIn_FileRowIsRefetchedAfterGrace(t *testing.T) {
	p := newFakeProvider()
	full := msgAt("f1", 0)
	full.Kind = domain.KindFile
	full.Attachments = []domain.Attachment{{ID: "a1", Filename: "log.txt"}}
	p.rows["f1"] = full

	tl := NewTimeline()
	var mu sync.Mutex
	var delivered []string
	fi := newTestFanIn(p, tl, &delivered, &mu)
	fi.Start("c1")

	bare := full
	bare.Attachments = nil
	p.push(bare)
	if tl.Has("f1") {
		t.Fatal("file row should wait for the grace period")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !tl.Has("f1") {
		if time.Now().After(deadline) {
			t.Fatal("file row never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	fi.Stop()

	got, _ := tl.Get("f1")
	if len(got.Attachments) != 1 || got.Attachments[0].Filename != "log.txt" {
		t.Fatalf("expected re-read attachments, got %+v", got.Attachments)
	}
	if p.fetches != 1 {
		t.Fatalf("fetches = %d", p.fetches)
	}
}

func TestFanIn_FileRowWithoutAttachmentsStillDelivered(t *testing.T) {
	p := newFakeProvider()
	tl := NewTimeline()
	var mu sync.Mutex
	var delivered []string
	fi := newTestFanIn(p, tl, &delivered, &mu)
	fi.Start("c1")

	m := msgAt("f2", 0)
	m.Kind = domain.KindFile
	p.push(m)

	deadline := time.Now().Add(2 * time.Second)
	for !tl.Has("f2") {
		if time.Now().After(deadline) {
			t.Fatal("file row never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	fi.Stop()
}

func TestFanIn_StopCancelsPendingRefetch(t *testing.T) {
	p := newFakeProvider()
	tl := NewTimeline()
	fi := NewFanIn(FanInConfig{Provider: p, Timeline: tl, Grace: time.Hour, Logger: testLogger()})
	fi.Start("c1")

	m := msgAt("f3", 0)
	m.Kind = domain.KindFile
	p.push(m)

	done := make(chan struct{})
	go func() {
		fi.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop should not wait out the grace period")
	}
	if tl.Has("f3") {
		t.Fatal("cancelled re-read should not deliver")
	}
}
