package api_test

import (
	"testing"

	"slide-guide/internal/api"
)

func TestProgressBoard(t *testing.T) {
	board := api.NewProgressBoard()

	job, ok := board.Start("s1", "lecture4.pdf")
	if !ok || job.Status != api.JobStatusProcessing {
		t.Fatalf("start = %+v, %v", job, ok)
	}
	if _, ok := board.Start("s1", "lecture5.pdf"); ok {
		t.Fatal("second analysis in one session should be refused")
	}
	if _, ok := board.Start("s2", "lecture5.pdf"); !ok {
		t.Fatal("other sessions are independent")
	}

	board.Update("s1", "analyze", "Analyzed slide 3 of 4", 70, 100)
	board.Update("s1", "analyze", "Analyzed slide 2 of 4", 50, 100)
	if job, _ := board.Get("s1"); job.Percent != 70 || job.Message != "Analyzed slide 3 of 4" {
		t.Fatalf("progress moved backwards: %+v", job)
	}

	board.Fail("s1", "  ")
	job, _ = board.Get("s1")
	if job.Status != api.JobStatusFailed || job.Error != "analysis failed" || board.Busy("s1") {
		t.Fatalf("failed job = %+v", job)
	}
	if _, ok := board.Start("s1", "lecture4.pdf"); !ok {
		t.Fatal("a failed job should not block a new one")
	}

	board.Complete("s1")
	if job, _ := board.Get("s1"); job.Percent != 100 || job.Status != api.JobStatusComplete {
		t.Fatalf("completed job = %+v", job)
	}
	board.Remove("s1")
	if _, ok := board.Get("s1"); ok {
		t.Fatal("removed job still visible")
	}
}
