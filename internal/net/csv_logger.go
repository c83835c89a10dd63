package net

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CSVLogger logs the epoch loss and learning rate to a CSV file.
type CSVLogger struct {
	BaseCallback
	Filename string
	Append   bool

	file   *os.File
	writer *csv.Writer
	start  time.Time
	err    error
}

// NewCSVLogger creates a new CSVLogger.
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return &CSVLogger{
		Filename: filename,
		Append:   append,
	}
}

func (c *CSVLogger) OnTrainBegin(t *Trainer) {
	mode := os.O_CREATE | os.O_WRONLY
	if c.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	file, err := os.OpenFile(c.Filename, mode, 0644)
	if err != nil {
		c.fail(t, fmt.Errorf("csv logger: %w", err))
		return
	}
	c.file = file
	c.writer = csv.NewWriter(file)
	c.start = time.Now()

	// header only for a fresh file
	info, err := file.Stat()
	if err == nil && (info.Size() == 0 || !c.Append) {
		c.write(t, []string{"epoch", "loss", "learning_rate", "time_seconds"})
	}
}

func (c *CSVLogger) OnEpochEnd(epoch int, loss float64, t *Trainer) {
	if c.writer == nil {
		return
	}
	c.write(t, []string{
		strconv.Itoa(epoch),
		strconv.FormatFloat(loss, 'g', -1, 64),
		strconv.FormatFloat(t.Arch.State().LearningRate, 'g', -1, 64),
		strconv.FormatFloat(time.Since(c.start).Seconds(), 'f', 2, 64),
	})
}

func (c *CSVLogger) write(t *Trainer, record []string) {
	if err := c.writer.Write(record); err != nil {
		c.fail(t, fmt.Errorf("csv logger: %w", err))
		return
	}
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		c.fail(t, fmt.Errorf("csv logger: %w", err))
	}
}

func (c *CSVLogger) fail(t *Trainer, err error) {
	t.Logf("%v", err)
	if c.err == nil {
		c.err = err
	}
}

func (c *CSVLogger) OnTrainEnd(t *Trainer) {
	if c.file != nil {
		c.writer.Flush()
		if err := c.file.Close(); err != nil {
			c.fail(t, fmt.Errorf("csv logger: %w", err))
		}
		c.file = nil
		c.writer = nil
	}
}

func (c *CSVLogger) Err() error { return c.err }
