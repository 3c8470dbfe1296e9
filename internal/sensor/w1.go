package sensor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// W1 polls a DS18x20 through the Linux w1-therm driver. Reading the
// w1_slave file makes the kernel run a full conversion, so the read is
// started on a goroutine and Poll only ever checks whether it finished.
type W1 struct {
	path   string
	family byte
	logger *slog.Logger

	phase    Phase
	deadline time.Duration
	pending  chan w1Result
	value    float64
}

type w1Result struct {
	data [scratchpadSize]byte
	err  error
}

// NewW1 creates a poller for a w1 device directory such as
// /sys/bus/w1/devices/28-0316a2798fff. The family is taken from the
// directory name.
func NewW1(dir string, logger *slog.Logger) (*W1, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base := filepath.Base(dir)
	code, err := strconv.ParseUint(strings.SplitN(base, "-", 2)[0], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("parse w1 family from %q: %w", base, err)
	}
	if !supportedFamily(byte(code)) {
		return nil, fmt.Errorf("w1 device %s is not a DS18x20", base)
	}
	return &W1{
		path:   filepath.Join(dir, "w1_slave"),
		family: byte(code),
		logger: logger,
	}, nil
}

// Poll implements [Poller]. A kernel read that overruns the deadline
// keeps answering Continue until it completes.
func (w *W1) Poll(now time.Duration) Result {
	if w.phase == Idle {
		ch := make(chan w1Result, 1)
		go func() {
			data, err := readW1Slave(w.path)
			ch <- w1Result{data: data, err: err}
		}()
		w.pending = ch
		w.deadline = now + ConversionDelay
		w.phase = AwaitingConversion
		return Result{Status: Continue}
	}

	if now < w.deadline {
		return Result{Status: Continue}
	}

	var res w1Result
	select {
	case res = <-w.pending:
	default:
		return Result{Status: Continue}
	}

	w.phase = Idle
	w.pending = nil

	if res.err != nil {
		w.logger.Debug("w1 read failed", "path", w.path, "error", res.err)
		return Result{Status: Failure}
	}

	v := DecodeScratchpad(res.data, w.family)
	if v == PowerOnValue {
		return Result{Status: Failure}
	}
	w.value = v
	return Result{Status: OK, Value: v}
}

var errW1CRC = errors.New("w1 scratchpad CRC not confirmed")

func readW1Slave(path string) ([scratchpadSize]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return [scratchpadSize]byte{}, err
	}
	return parseW1Slave(raw)
}

// parseW1Slave extracts the scratchpad from the first line of w1_slave:
//
//	72 01 4b 46 7f ff 0e 10 57 : crc=57 YES
//	72 01 4b 46 7f ff 0e 10 57 t=23125
func parseW1Slave(raw []byte) ([scratchpadSize]byte, error) {
	var data [scratchpadSize]byte

	sc := bufio.NewScanner(bytes.NewReader(raw))
	if !sc.Scan() {
		return data, errors.New("w1_slave is empty")
	}
	line := sc.Text()
	if !strings.HasSuffix(strings.TrimSpace(line), "YES") {
		return data, errW1CRC
	}

	fields := strings.Fields(line)
	if len(fields) < scratchpadSize {
		return data, fmt.Errorf("short w1_slave line %q", line)
	}
	for i := 0; i < scratchpadSize; i++ {
		b, err := strconv.ParseUint(fields[i], 16, 8)
		if err != nil {
			return data, fmt.Errorf("parse scratchpad byte %d: %w", i, err)
		}
		data[i] = byte(b)
	}
	if CRC8(data[:8]) != data[8] {
		return data, errW1CRC
	}
	return data, nil
}
