// Package live runs real-time voice conversations.
//
// A Session wires three adapters into one pipeline: a Transcriber turns user
// audio into text, a Generator replies within the agent's dialogue graph, and
// a Synthesizer speaks the reply. Everything a session knows is owned by one
// coordinator goroutine; adapter calls run in their own goroutines and report
// back over a single channel, so no conversation state is shared.
//
// # State Machine
//
//	IDLE → LISTENING → TRANSCRIBING → GENERATING ⇄ SYNTHESIZING → LISTENING
//	                                                    │
//	                                               INTERRUPTED → LISTENING
//
// Any state may move to TERMINATED, which is final. A generator that is still
// streaming while its first sentence is spoken keeps the session in
// SYNTHESIZING; the synthesizer catching up moves it back to GENERATING.
//
// # Adapter Calls
//
// Every call is sequence checked, bounded by a per-role chunk deadline, and
// retried with exponential backoff while it has not yet delivered a chunk.
// Cancelled calls are given a grace period to stop, and whatever usage they
// report is still booked to the session's cost ledger.
//
// # Usage
//
//	s, err := live.NewSession(cfg, live.Pipeline{
//	    Transcriber: stt,
//	    Generator:   llm,
//	    Synthesizer: tts,
//	    Graph:       agent.Graph,
//	}, live.Options{AgentID: agent.ID})
//	if err != nil {
//	    return err
//	}
//	s.Start(ctx)
//
//	go func() {
//	    for frame := range mic {
//	        if err := s.Feed(frame); err != nil {
//	            return
//	        }
//	    }
//	}()
//
//	for event := range s.Events() {
//	    switch e := event.(type) {
//	    case *live.TranscriptDeltaEvent:
//	        fmt.Println("User said:", e.Text)
//	    case *live.AudioDeltaEvent:
//	        play(e.Data)
//	    }
//	}
//	rec, _ := s.Record()
package live
