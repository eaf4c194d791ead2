package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"

	v1 "github.com/getleon/leon/pkg/api/v1"
)

// cmdRunTail streams a thread's run events until the terminal event
// arrives. With -after it replays the durable log from that sequence
// first, then follows live.
func cmdRunTail(c *client, args []string) error {
	threadID, rest := threadArg("run tail", args)
	fs := flag.NewFlagSet("run tail", flag.ExitOnError)
	after := fs.Int64("after", 0, "replay events with seq greater than this")
	_ = fs.Parse(rest)

	url := c.base + "/api/v1/threads/" + threadID + "/runs/events"
	if *after > 0 {
		url = fmt.Sprintf("%s?after=%d", url, *after)
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream stays open for the life of the run, so this client
	// carries no timeout.
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeResponse(resp, nil)
	}

	r := &tailRenderer{}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data != "" {
				done, err := r.render([]byte(data))
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
			data = ""
		case strings.HasPrefix(line, ":"):
			// heartbeat comment, ignore
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	r.breakLine()
	return nil
}

// tailRenderer turns run events into terminal output. Text chunks print
// inline; everything else gets its own line.
type tailRenderer struct {
	midText bool
	lastSeq int64
}

func (r *tailRenderer) breakLine() {
	if r.midText {
		fmt.Println()
		r.midText = false
	}
}

// render prints one event and reports whether it ended the stream. A
// terminal error event becomes the command's error so the exit code
// reflects the run outcome.
func (r *tailRenderer) render(data []byte) (bool, error) {
	var evt v1.RunEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		fmt.Println(string(data))
		return false, nil
	}
	// The replay-to-live switchover can repeat events; seq is
	// authoritative.
	if evt.Seq != 0 && evt.Seq <= r.lastSeq {
		return false, nil
	}
	if evt.Seq != 0 {
		r.lastSeq = evt.Seq
	}

	switch evt.EventType {
	case v1.EventText:
		var p struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(evt.Data, &p)
		fmt.Print(p.Text)
		r.midText = true

	case v1.EventToolCall, v1.EventTaskToolCall, v1.EventSubagentTaskToolCall:
		r.breakLine()
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(evt.Data, &p)
		fmt.Printf("[%d] %s %s\n", evt.Seq, evt.EventType, p.Name)

	case v1.EventToolResult, v1.EventTaskToolResult, v1.EventSubagentTaskToolResult:
		r.breakLine()
		var p struct {
			Name string `json:"name"`
		}
		_ = json.Unmarshal(evt.Data, &p)
		fmt.Printf("[%d] %s %s\n", evt.Seq, evt.EventType, p.Name)

	case v1.EventStatus:
		r.breakLine()
		var p struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(evt.Data, &p)
		fmt.Printf("[%d] status %s\n", evt.Seq, p.Status)

	case v1.EventDone:
		r.breakLine()
		var p struct {
			Iterations int `json:"iterations"`
			Usage      struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		_ = json.Unmarshal(evt.Data, &p)
		fmt.Printf("[%d] done: %d iterations, %d in / %d out tokens\n",
			evt.Seq, p.Iterations, p.Usage.InputTokens, p.Usage.OutputTokens)
		return true, nil

	case v1.EventCancelled:
		r.breakLine()
		fmt.Printf("[%d] run cancelled\n", evt.Seq)
		return true, nil

	case v1.EventError:
		r.breakLine()
		var p struct {
			Message string `json:"message"`
			Kind    string `json:"kind"`
		}
		_ = json.Unmarshal(evt.Data, &p)
		return true, fmt.Errorf("run failed (%s): %s", p.Kind, p.Message)

	default:
		r.breakLine()
		fmt.Printf("[%d] %s %s\n", evt.Seq, evt.EventType, compact(evt.Data))
	}
	return false, nil
}

// compact renders a payload on one line, truncated for readability.
func compact(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
