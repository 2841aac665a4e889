package models

import "testing"

func TestVideoStateAtLeast(t *testing.T) {
	cases := []struct {
		state VideoState
		other VideoState
		want  bool
	}{
		{VideoStateMetadataRegistered, VideoStateChunksPending, false},
		{VideoStateChunksPending, VideoStateAssembled, false},
		{VideoStateAssembled, VideoStateAssembled, true},
		{VideoStateTranscoding, VideoStateAssembled, true},
		{VideoStateReady, VideoStateAssembled, true},
		{VideoStateFailed, VideoStateAssembled, true},
		{VideoState("bogus"), VideoStateChunksPending, false},
	}
	for _, tc := range cases {
		if got := tc.state.AtLeast(tc.other); got != tc.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tc.state, tc.other, got, tc.want)
		}
	}
}
