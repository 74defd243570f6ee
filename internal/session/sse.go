package session

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Event is one server-sent event. Type is "message" when the stream omits it.
type Event struct {
	Type string
	ID   string
	Data string
}

// eventReader splits a text/event-stream body into events. Events end at a
// blank line; comment lines and unknown fields are skipped.
type eventReader struct {
	r   *bufio.Reader
	cur Event
	err error
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReaderSize(r, 64*1024)}
}

func (er *eventReader) Next() bool {
	if er.err != nil {
		return false
	}
	var (
		data    []string
		hasData bool
		typ     string
		id      string
	)
	emit := func() {
		if typ == "" {
			typ = "message"
		}
		er.cur = Event{Type: typ, ID: id, Data: strings.Join(data, "\n")}
	}
	for {
		line, err := er.r.ReadString('\n')
		if err != nil && line == "" {
			er.err = err
			if errors.Is(err, io.EOF) && (hasData || typ != "") {
				emit()
				return true
			}
			return false
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData || typ != "" {
				emit()
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, ok := strings.Cut(line, ":")
		if ok {
			value = strings.TrimPrefix(value, " ")
		}
		switch field {
		case "data":
			data = append(data, value)
			hasData = true
		case "event":
			typ = value
		case "id":
			id = value
		}
		if err != nil {
			// Final line without a trailing newline.
			er.err = err
			if errors.Is(err, io.EOF) && (hasData || typ != "") {
				emit()
				return true
			}
			return false
		}
	}
}

func (er *eventReader) Event() Event { return er.cur }

// Err returns the read error that stopped the reader, or nil at clean EOF.
func (er *eventReader) Err() error {
	if errors.Is(er.err, io.EOF) {
		return nil
	}
	return er.err
}
