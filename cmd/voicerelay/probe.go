package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/protocol"
)

const probeFrameDuration = 20 * time.Millisecond

type probeOptions struct {
	URL     string
	Token   string
	In      string
	Out     string
	Paced   bool
	Idle    time.Duration
	Timeout time.Duration
}

var probeOpts probeOptions

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Stream a WAV file through a running relay and record the reply",
	Long: `Dial a relay, wait for ready, stream a 24 kHz PCM16 WAV file in 20 ms
frames, commit the audio and write whatever audio comes back as a WAV file.

Examples:
  voicerelay probe --url ws://localhost:8080/v1/voice/ws --token dev-token --in hello.wav --out reply.wav
  voicerelay probe --in hello.wav --paced=false --idle 500ms`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if probeOpts.In == "" {
			return fmt.Errorf("--in is required")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), probeOpts.Timeout)
		defer cancel()
		return runProbe(ctx, probeOpts, cmd.OutOrStdout())
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeOpts.URL, "url", "ws://localhost:8080/v1/voice/ws", "relay websocket URL")
	probeCmd.Flags().StringVar(&probeOpts.Token, "token", os.Getenv("VOICERELAY_TOKEN"), "bearer credential (defaults to $VOICERELAY_TOKEN)")
	probeCmd.Flags().StringVar(&probeOpts.In, "in", "", "input WAV file (PCM16, 24 kHz)")
	probeCmd.Flags().StringVar(&probeOpts.Out, "out", "reply.wav", "output WAV file for the returned audio")
	probeCmd.Flags().BoolVar(&probeOpts.Paced, "paced", true, "send frames at real-time pace")
	probeCmd.Flags().DurationVar(&probeOpts.Idle, "idle", 2*time.Second, "stop after this long without reply audio")
	probeCmd.Flags().DurationVar(&probeOpts.Timeout, "timeout", 2*time.Minute, "overall probe timeout")
	rootCmd.AddCommand(probeCmd)
}

type probeMessage struct {
	binary bool
	data   []byte
	err    error
}

type probeEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	Detail    string `json:"detail"`
	Event     string `json:"event"`
}

func runProbe(ctx context.Context, opts probeOptions, out io.Writer) error {
	data, err := os.ReadFile(opts.In)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	if rate != audio.SampleRate {
		return fmt.Errorf("input sample rate %d Hz, want %d Hz", rate, audio.SampleRate)
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	msgs := make(chan probeMessage, 64)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(msgs)
		for {
			mt, payload, err := conn.ReadMessage()
			m := probeMessage{binary: mt == websocket.BinaryMessage, data: payload, err: err}
			select {
			case msgs <- m:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	start := time.Now()
	if err := awaitReady(msgs, out); err != nil {
		return err
	}
	fmt.Fprintf(out, "ready after %s\n", time.Since(start).Round(time.Millisecond))

	frameBytes := int(audio.SampleRate * audio.BytesPerSample * probeFrameDuration / time.Second)
	var ticker *time.Ticker
	if opts.Paced {
		ticker = time.NewTicker(probeFrameDuration)
		defer ticker.Stop()
	}
	sent := 0
	for off := 0; off < len(pcm); off += frameBytes {
		end := min(off+frameBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		sent++
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := writeControl(conn, protocol.ActionCommit); err != nil {
		return err
	}
	committedAt := time.Now()
	fmt.Fprintf(out, "sent %d frames (%s of audio)\n", sent, audio.PCMDuration(len(pcm), audio.SampleRate))

	reply, firstAudio, err := collectReply(ctx, msgs, opts.Idle, out)
	if err != nil {
		return err
	}
	_ = writeControl(conn, protocol.ActionHangup)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))

	if len(reply) == 0 {
		return fmt.Errorf("no reply audio within %s of commit", opts.Idle)
	}
	if err := audio.WriteWAVFile(opts.Out, reply, audio.SampleRate); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Fprintf(out, "first reply audio after %s; wrote %s to %s\n",
		firstAudio.Sub(committedAt).Round(time.Millisecond),
		audio.PCMDuration(len(reply), audio.SampleRate),
		opts.Out,
	)
	return nil
}

func awaitReady(msgs <-chan probeMessage, out io.Writer) error {
	for m := range msgs {
		if m.err != nil {
			return fmt.Errorf("waiting for ready: %w", m.err)
		}
		if m.binary {
			continue
		}
		var env probeEnvelope
		if err := json.Unmarshal(m.data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeReady):
			fmt.Fprintf(out, "session %s\n", env.SessionID)
			return nil
		case string(protocol.TypeError):
			return fmt.Errorf("relay error %s: %s", env.Code, env.Detail)
		}
	}
	return errors.New("connection closed before ready")
}

// collectReply gathers reply audio until none arrives for idle.
func collectReply(ctx context.Context, msgs <-chan probeMessage, idle time.Duration, out io.Writer) ([]byte, time.Time, error) {
	var (
		reply      []byte
		firstAudio time.Time
	)
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return reply, firstAudio, ctx.Err()
		case <-timer.C:
			return reply, firstAudio, nil
		case m, ok := <-msgs:
			if !ok || m.err != nil {
				return reply, firstAudio, nil
			}
			if m.binary {
				if firstAudio.IsZero() {
					firstAudio = time.Now()
				}
				reply = append(reply, m.data...)
				timer.Reset(idle)
				continue
			}
			var env probeEnvelope
			if err := json.Unmarshal(m.data, &env); err == nil {
				switch env.Type {
				case string(protocol.TypeError):
					fmt.Fprintf(out, "relay error %s: %s\n", env.Code, env.Detail)
				case string(protocol.TypeTranscript):
					fmt.Fprintf(out, "transcript event %s\n", env.Event)
				}
			}
		}
	}
}

func writeControl(conn *websocket.Conn, action protocol.ControlAction) error {
	msg := protocol.ControlMessage{Type: protocol.TypeControl, Action: action}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", action, err)
	}
	return nil
}
