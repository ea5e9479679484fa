package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		tag  Tag
		body any
	}{
		{"election", TagElection, &Election{FromID: 2, Priority: 12.5}},
		{"alive", TagAlive, &Alive{FromID: 3}},
		{"coordinator", TagCoordinator, &Coordinator{LeaderID: 1}},
		{"heartbeat", TagHeartbeat, &Heartbeat{FromID: 1, TimestampSecs: 100, Load: 4.2}},
		{"leaderQuery", TagLeaderQuery, &LeaderQuery{}},
		{"assignRequest", TagAssignRequest, &AssignRequest{ClientName: "c1", RequestID: 7}},
		{
			"taskRequest", TagTaskRequest,
			&TaskRequest{ClientName: "c1", RequestID: 7, SecretBytes: []byte("hi"), AssignedByLeader: 1},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, Frame{Tag: tc.tag, Body: tc.body}); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}

			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Tag != tc.tag {
				t.Fatalf("tag = %v, want %v", got.Tag, tc.tag)
			}
		})
	}
}

func TestReadFrameOversize(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		lenBuf := []byte{0x06, 0x40, 0x00, 0x01} // length = 100*2^20 + 1
		_, _ = c1.Write(lenBuf)
	}()

	_, err := ReadFrame(c2)
	if err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameShortRead(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x00, 0x00, 0x05, 0x01})
	_, err := ReadFrame(buf)
	if err != ErrShortFrame {
		t.Fatalf("err = %v, want ErrShortFrame", err)
	}
}

func TestUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Frame{Tag: 0xFF, Body: &Alive{}})

	_, err := ReadFrame(&buf)
	if err != ErrUnknownTag {
		t.Fatalf("err = %v, want ErrUnknownTag", err)
	}
}
