/*
   Copyright 2026 Rabbit Authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package frame

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

func TestRoundTripSimpleFrame(t *testing.T) {
	f := Frame{
		Start: StartLine{Token: "LIST", Rest: "/"},
		Headers: Headers{
			{Key: "Lane", Value: "1"},
			{Key: "Txn", Value: "L1"},
		},
	}
	wire := Encode(f)
	got, err := Decode(bufio.NewReader(bytes.NewReader(wire)), DefaultLimits)
	assert.NilError(t, err)
	if diff := cmp.Diff(f, *got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestRoundTripWithBody(t *testing.T) {
	f := WithLength(Frame{
		Start: StartLine{Token: "200", Rest: "CONTENT"},
		Headers: Headers{
			{Key: "Lane", Value: "3"},
			{Key: "Txn", Value: "F1"},
			{Key: "View", Value: "text/plain"},
		},
	}, []byte("Rabbit runs fast and light."))

	wire := Encode(f)
	got, err := Decode(bufio.NewReader(bytes.NewReader(wire)), DefaultLimits)
	assert.NilError(t, err)
	if diff := cmp.Diff(f, *got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestScenarioS2FetchTextBody(t *testing.T) {
	wire := "200 CONTENT\r\nLane: 3\r\nTxn: F1\r\nLength: 27\r\nView: text/plain\r\nEnd:\r\nRabbit runs fast and light."
	f, err := Decode(bufio.NewReader(bytes.NewReader([]byte(wire))), DefaultLimits)
	assert.NilError(t, err)
	assert.Equal(t, f.Start.Token, "200")
	assert.Equal(t, f.Start.Rest, "CONTENT")
	assert.Equal(t, string(f.Body), "Rabbit runs fast and light.")
	lane, ok := f.Header("Lane")
	assert.Assert(t, ok)
	assert.Equal(t, lane, "3")
}

func TestDecodeLoneLFIsMalformed(t *testing.T) {
	wire := "LIST /\nLane: 1\r\nEnd:\r\n"
	_, err := Decode(bufio.NewReader(bytes.NewReader([]byte(wire))), DefaultLimits)
	assert.ErrorContains(t, err, "lone LF")
}

func TestDecodeMixedLengthAndTransferIsBadRequest(t *testing.T) {
	wire := "FETCH /1/x\r\nLength: 4\r\nTransfer: chunked\r\nEnd:\r\nabcd"
	_, err := Decode(bufio.NewReader(bytes.NewReader([]byte(wire))), DefaultLimits)
	pe, ok := err.(*ParseError)
	assert.Assert(t, ok, "expected *ParseError, got %T", err)
	assert.Equal(t, pe.Code, MixedTransfer)
}

func TestDecodeMissingEndResetsConnection(t *testing.T) {
	wire := "PING\r\nLane: 0\r\n"
	_, err := Decode(bufio.NewReader(bytes.NewReader([]byte(wire))), DefaultLimits)
	pe, ok := err.(*ParseError)
	assert.Assert(t, ok)
	assert.Equal(t, pe.Code, MissingEnd)
}

func TestDecodeBodyTooShortIsConnectionReset(t *testing.T) {
	wire := "FETCH /1/x\r\nLength: 10\r\nEnd:\r\nabc"
	_, err := Decode(bufio.NewReader(bytes.NewReader([]byte(wire))), DefaultLimits)
	pe, ok := err.(*ParseError)
	assert.Assert(t, ok)
	assert.Equal(t, pe.Code, BodyTooShort)
}

func TestDecodeOversizedHeaderBlockIsFrameTooLarge(t *testing.T) {
	limits := Limits{MaxHeaderBlock: 16, MaxBody: DefaultLimits.MaxBody}
	wire := "LIST /a/very/long/selector/path/that/is/long\r\nEnd:\r\n"
	_, err := Decode(bufio.NewReader(bytes.NewReader([]byte(wire))), limits)
	pe, ok := err.(*ParseError)
	assert.Assert(t, ok)
	assert.Equal(t, pe.Code, FrameTooLarge)
}

func TestDecodeBadHeaderKey(t *testing.T) {
	wire := "LIST /\r\nBad Key: x\r\nEnd:\r\n"
	_, err := Decode(bufio.NewReader(bytes.NewReader([]byte(wire))), DefaultLimits)
	pe, ok := err.(*ParseError)
	assert.Assert(t, ok)
	assert.Equal(t, pe.Code, BadHeader)
}

func TestDecodeCleanEOFBetweenFrames(t *testing.T) {
	_, err := Decode(bufio.NewReader(bytes.NewReader(nil)), DefaultLimits)
	assert.ErrorIs(t, err, io.EOF)
}
