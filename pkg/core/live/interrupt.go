package live

// ActivityDetector tracks continuous user speech by frame energy.
//
// A frame at or above the threshold extends the current run; a frame below it
// ends the run. Durations are measured from audio byte counts, not wall time,
// so detection is independent of how frames are paced.
type ActivityDetector struct {
	threshold float64
	minBytes  int
	audio     AudioConfig

	runBytes  int
	triggered bool
}

// NewActivityDetector creates a detector that fires after minSpeechMs of
// continuous audio at or above threshold.
func NewActivityDetector(threshold float64, minSpeechMs int, audio AudioConfig) *ActivityDetector {
	minBytes := audio.BytesForDurationMs(minSpeechMs)
	if minBytes < 2 {
		minBytes = 2
	}
	return &ActivityDetector{
		threshold: threshold,
		minBytes:  minBytes,
		audio:     audio,
	}
}

// Observe feeds one frame. It returns true on the frame that completes a run
// of the minimum duration, once per run.
func (d *ActivityDetector) Observe(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	if CalculateRMSEnergy(frame) < d.threshold {
		d.runBytes = 0
		d.triggered = false
		return false
	}
	d.runBytes += len(frame)
	if !d.triggered && d.runBytes >= d.minBytes {
		d.triggered = true
		return true
	}
	return false
}

// Speaking reports whether the current run has reached the minimum duration.
func (d *ActivityDetector) Speaking() bool {
	return d.triggered
}

// RunMs returns the length of the current run.
func (d *ActivityDetector) RunMs() int {
	return d.audio.DurationMs(d.runBytes)
}

// Reset forgets the current run.
func (d *ActivityDetector) Reset() {
	d.runBytes = 0
	d.triggered = false
}

// InterruptDetector decides when user speech during synthesis is a barge-in.
//
// It is armed per synthesis window with Reset and fires at most once per
// window. In InterruptModeNever it never fires.
type InterruptDetector struct {
	mode     InterruptMode
	activity *ActivityDetector

	armed bool
	fired bool
}

// NewInterruptDetector creates a disarmed detector.
func NewInterruptDetector(cfg InterruptConfig, audio AudioConfig) *InterruptDetector {
	return &InterruptDetector{
		mode:     cfg.Mode,
		activity: NewActivityDetector(cfg.EnergyThreshold, cfg.MinSpeechMs, audio),
	}
}

// Reset starts a fresh detection window.
func (d *InterruptDetector) Reset() {
	d.activity.Reset()
	d.armed = true
	d.fired = false
}

// Disarm stops detection until the next Reset.
func (d *InterruptDetector) Disarm() {
	d.armed = false
	d.activity.Reset()
}

// Observe feeds one frame captured during synthesis and reports whether it
// completes an interruption.
func (d *InterruptDetector) Observe(frame []byte) bool {
	if !d.armed || d.fired || d.mode == InterruptModeNever {
		return false
	}
	if d.activity.Observe(frame) {
		d.fired = true
		return true
	}
	return false
}
