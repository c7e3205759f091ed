package chroutine

import "testing"

func TestCellRunsToCompletion(t *testing.T) {
	ran := false
	c := newCell(func() { ran = true })

	if c.resume() {
		t.Error("expected resume to report completion")
	}
	if !ran {
		t.Error("expected body to run")
	}
	if c.resume() {
		t.Error("expected resume on a done cell to report completion")
	}
}

func TestCellParkResume(t *testing.T) {
	steps := 0
	var c *cell
	c = newCell(func() {
		steps++
		c.park()
		steps++
	})

	if !c.resume() {
		t.Error("expected cell to be parked, not done")
	}
	if steps != 1 {
		t.Errorf("expected 1 step before park, got %d", steps)
	}
	if c.resume() {
		t.Error("expected cell to be done after second resume")
	}
	if steps != 2 {
		t.Errorf("expected 2 steps, got %d", steps)
	}
}

func TestCellInterruptBeforeStart(t *testing.T) {
	ran := false
	c := newCell(func() { ran = true })

	c.interrupt()
	if ran {
		t.Error("expected interrupted cell to never run its body")
	}
	c.interrupt()
}

func TestCellInterruptParked(t *testing.T) {
	var afterPark, cleanedUp bool
	var c *cell
	c = newCell(func() {
		defer func() { cleanedUp = true }()
		c.park()
		afterPark = true
	})

	if !c.resume() {
		t.Fatal("expected cell to park")
	}
	c.interrupt()

	if afterPark {
		t.Error("expected interrupted cell to not run past its park point")
	}
	if !cleanedUp {
		t.Error("expected defers to run on interrupt")
	}
}
