package piv

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrApduMismatch       = errors.New("src != expected ")
	ErrApduBadInstruction = errors.New("src.instruction != expected.instruction ")
	ErrApduBadParam       = errors.New("src.param != expected.param ")
	ErrApduBadData        = errors.New("src.data != expected.data ")
)

// TestSCConstructor hands a Client a scripted SCContext in place of the
// PC/SC daemon.
type TestSCConstructor struct {
	Ctx     TestSCContext
	OpenErr error
}

func (p *TestSCConstructor) NewSCContext() (SCContext, error) {
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	return &p.Ctx, nil
}

// TestSCContext is an SCContext scripted from fields instead of a reader.
type TestSCContext struct {
	CloseErr error

	ConnectFunc    func(string) (SCHandle, error)
	Handle         SCHandle
	ConnectErr     error
	ListReadersErr error
	Readers        []string
}

type TestSCHandle struct {
	BeginErr error
	Tx       SCTx
	CloseErr error
}

// TestSCTx replays scripted responses, verifying that commands arrive in the
// expected order with the expected contents.
type TestSCTx struct {
	CurrentAPDUIndex int
	APDUList         []apdu
	ResponseList     [][]byte
	CloseErr         error
	TransmitData     []byte
	TransmitErr      []error
}

var (
	_ SCConstructor = (*TestSCConstructor)(nil)
	_ SCContext     = (*TestSCContext)(nil)
	_ SCHandle      = (*TestSCHandle)(nil)
	_ SCTx          = (*TestSCTx)(nil)
)

func (p *TestSCContext) Close() error {
	return p.CloseErr
}

func (p *TestSCContext) Connect(reader string) (SCHandle, error) {
	if p.ConnectFunc != nil {
		return p.ConnectFunc(reader)
	}
	return p.Handle, p.ConnectErr
}

func (p *TestSCContext) ListReaders() ([]string, error) {
	return p.Readers, p.ListReadersErr
}

func (p *TestSCHandle) Begin() (SCTx, error) {
	return p.Tx, p.BeginErr
}

func (p *TestSCHandle) Close() error {
	return p.CloseErr
}

func (p *TestSCTx) Close() error {
	return p.CloseErr
}

func (p *TestSCTx) getTransmitError() error {
	if len(p.TransmitErr) > 0 && p.CurrentAPDUIndex < len(p.TransmitErr) {
		return p.TransmitErr[p.CurrentAPDUIndex]
	}

	return nil
}

func (p *TestSCTx) Transmit(d apdu) ([]byte, error) {
	if p.APDUList == nil || p.ResponseList == nil {
		return p.TransmitData, p.getTransmitError()
	}

	if p.CurrentAPDUIndex >= len(p.APDUList) {
		return nil, ErrNotFound
	}

	if ok, matchErr := apdusMatch(&d, &p.APDUList[p.CurrentAPDUIndex]); !ok {
		return nil, matchErr
	}

	defer func() { p.CurrentAPDUIndex++ }()

	if p.CurrentAPDUIndex < len(p.ResponseList) {
		return p.ResponseList[p.CurrentAPDUIndex], p.getTransmitError()
	}

	return p.TransmitData, p.getTransmitError()
}

func apdusMatch(src *apdu, expected *apdu) (bool, error) {
	var errorsFound []error

	if src == nil && expected == nil {
		return true, nil
	}

	if src == nil {
		return false, fmt.Errorf("src == nil expected == %p: %w", expected, ErrApduMismatch)
	}

	if expected == nil {
		return false, fmt.Errorf("src == %p expected == nil: %w", src, ErrApduMismatch)
	}

	if src.instruction != expected.instruction {
		errorsFound = append(errorsFound, fmt.Errorf("src.instruction == [0x%x] expected.instruction == [0x%x]: %w", src.instruction, expected.instruction, ErrApduBadInstruction))
	}

	if src.param1 != expected.param1 {
		errorsFound = append(errorsFound, fmt.Errorf("src.param1 == [0x%x] expected.param1 == [0x%x]: %w", src.param1, expected.param1, ErrApduBadParam))
	}

	if src.param2 != expected.param2 {
		errorsFound = append(errorsFound, fmt.Errorf("src.param2 == [0x%x] expected.param2 == [0x%x]: %w", src.param2, expected.param2, ErrApduBadParam))
	}

	if !bytes.Equal(src.data, expected.data) {
		errorsFound = append(errorsFound, fmt.Errorf("src.data      == [%x]\nexpected.data == [%x]\n: %w", src.data, expected.data, ErrApduBadData))
	}

	if len(errorsFound) > 0 {
		result := make([]string, len(errorsFound))

		for i, e := range errorsFound {
			result[i] = e.Error()
		}

		return false, fmt.Errorf("failed: %s:%w", strings.Join(result, ":"), ErrApduMismatch)
	}

	return true, nil
}
