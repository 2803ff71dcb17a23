package bridge

import "github.com/loqalabs/loqa-relay/internal/protocol"

// Route is one relay between two stages.
type Route struct {
	Name   string
	From   protocol.Boundary
	To     protocol.Boundary
	Expect protocol.Stage
}

// Routes are the three relays of the pipeline.
var Routes = []Route{
	{Name: "asr-mt", From: protocol.BoundaryASROut, To: protocol.BoundaryMTIn, Expect: protocol.StageRecognized},
	{Name: "mt-tts", From: protocol.BoundaryMTOut, To: protocol.BoundaryTTSIn, Expect: protocol.StageTranslated},
	{Name: "tts-buffer", From: protocol.BoundaryTTSOut, To: protocol.BoundaryBufferIn, Expect: protocol.StageSynthesized},
}
