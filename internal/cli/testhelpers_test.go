package cli

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/fmueller/asrinfer/internal/inference"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runApp(t, &appState{}, args)
}

func runApp(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(append([]string{"--env-file=", "--no-progress"}, args...))

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

type fakeEngine struct {
	opts       inference.Options
	runtimeLib string
	inputs     []inference.Input
	runErr     error
	closed     bool
}

func (e *fakeEngine) Run(_ context.Context, in inference.Input) error {
	e.inputs = append(e.inputs, in)
	if e.runErr != nil {
		return e.runErr
	}
	_, err := e.opts.Stdout.Write([]byte("wer: 0.0\n"))
	return err
}

func (e *fakeEngine) Close() error {
	e.closed = true
	return nil
}

func withFakeEngine(fake *fakeEngine) *appState {
	return &appState{
		newEngineFn: func(_ context.Context, opts inference.Options, runtimeLib string) (engine, error) {
			fake.opts = opts
			fake.runtimeLib = runtimeLib
			return fake, nil
		},
	}
}

func makePCM16WAVForTest(samples []int16, sampleRate, channels int) []byte {
	dataSize := 2 * len(samples)
	out := make([]byte, 44+dataSize)
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+dataSize))
	copy(out[8:], "WAVE")
	copy(out[12:], "fmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(out[32:], uint16(channels*2))
	binary.LittleEndian.PutUint16(out[34:], 16)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[44+2*i:], uint16(s))
	}
	return out
}
