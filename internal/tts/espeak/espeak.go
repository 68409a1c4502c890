// Package espeak speaks text through libespeak-ng.
package espeak

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>
#include <string.h>
#include <espeak-ng/speak_lib.h>

static int
hetu_espeak_init(const char *voice)
{
	if (espeak_Initialize(AUDIO_OUTPUT_SYNCH_PLAYBACK, 500, NULL, 0) < 0)
	{ return -1; }

	if (voice && *voice && espeak_SetVoiceByName(voice) != EE_OK)
	{ return -2; }

	return 0;
}

static int
hetu_espeak_say(const char *text, int rate, int pitch)
{
	if (!text)
	{ return -1; }

	espeak_SetParameter(espeakRATE, rate, 0);
	espeak_SetParameter(espeakPITCH, pitch, 0);

	if (espeak_Synth(text, strlen(text) + 1, 0, POS_CHARACTER, 0, espeakCHARS_AUTO, NULL, NULL) != EE_OK)
	{ return -2; }

	return espeak_Synchronize() == EE_OK ? 0 : -3;
}
*/
import "C"

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

const (
	baseRate  = 175 // words per minute
	minRate   = 80
	maxRate   = 450
	basePitch = 50 // 0..100
)

// espeak keeps process-wide state, so only one engine may be open.
var (
	openMu sync.Mutex
	isOpen bool
)

type Engine struct {
	mu     sync.Mutex
	closed bool
}

// New initializes espeak-ng with synchronous playback. voice is an espeak
// voice name such as "en-us"; empty keeps the default.
func New(voice string) (*Engine, error) {
	openMu.Lock()
	defer openMu.Unlock()

	if isOpen {
		return nil, errors.New("espeak: already initialized")
	}

	cvoice := C.CString(voice)
	defer C.free(unsafe.Pointer(cvoice))

	if rc := C.hetu_espeak_init(cvoice); rc != 0 {
		C.espeak_Terminate()
		return nil, fmt.Errorf("espeak: init voice %q failed: %d", voice, int(rc))
	}
	isOpen = true
	return &Engine{}, nil
}

// Say blocks until the text has been played. rate and pitch are factors
// where 1.0 is the voice default.
func (e *Engine) Say(text string, rate, pitch float64) error {
	if text == "" {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("espeak: engine closed")
	}

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	rc := C.hetu_espeak_say(ctext, C.int(scaleRate(rate)), C.int(scalePitch(pitch)))
	if rc != 0 {
		return fmt.Errorf("espeak: say failed: %d", int(rc))
	}
	return nil
}

// Cancel stops playback in progress.
func (e *Engine) Cancel() {
	C.espeak_Cancel()
}

func (e *Engine) Close() error {
	e.Cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	openMu.Lock()
	defer openMu.Unlock()
	C.espeak_Terminate()
	isOpen = false
	return nil
}

func scaleRate(f float64) int {
	if f <= 0 {
		f = 1
	}
	return min(max(int(baseRate*f), minRate), maxRate)
}

func scalePitch(f float64) int {
	if f <= 0 {
		f = 1
	}
	return min(max(int(basePitch*f), 0), 100)
}
