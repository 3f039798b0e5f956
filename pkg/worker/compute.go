package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Computation names the files of one run. Result and Log must exist after a
// successful Compute.
type Computation struct {
	InputPath  string
	ResultPath string
	LogPath    string
}

// Computer executes the domain computation.
type Computer interface {
	Compute(ctx context.Context, c Computation) error
}

// ExecComputer runs an external program with the input path as its last
// argument. The program writes the result and log files next to the input.
type ExecComputer struct {
	Command []string
	Stdout  io.Writer
	Stderr  io.Writer
}

// Compute runs the program and checks that both artifacts were produced.
func (e *ExecComputer) Compute(ctx context.Context, c Computation) error {
	if len(e.Command) == 0 {
		return errors.New("computation command is empty")
	}
	args := append(append([]string(nil), e.Command[1:]...), c.InputPath)
	cmd := exec.CommandContext(ctx, e.Command[0], args...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", e.Command[0], err)
	}
	for _, p := range []string{c.ResultPath, c.LogPath} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("expected output %s: %w", p, err)
		}
	}
	return nil
}

// CountComputer is the built-in computation: the result is a copy of the
// input and the log records its line count.
type CountComputer struct{}

// Compute copies the input and writes the count log.
func (CountComputer) Compute(ctx context.Context, c Computation) error {
	in, err := os.Open(c.InputPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(c.ResultPath)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	var lines, bytes int64
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	w := bufio.NewWriter(out)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lines++
		bytes += int64(len(sc.Bytes())) + 1
		if _, err := w.Write(append(sc.Bytes(), '\n')); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	log := fmt.Sprintf("input: %s\nlines: %d\nbytes: %d\n", c.InputPath, lines, bytes)
	return os.WriteFile(c.LogPath, []byte(log), 0o644)
}
