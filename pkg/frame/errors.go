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

import "fmt"

// ParseErrorCode enumerates the codec-level failure modes a frame
// decode can hit. A partial frame is unrecoverable: the caller (pkg/tunnel) must
// treat any ParseError as fatal for the whole connection, not just the
// one lane it happened to be building.
type ParseErrorCode string

const (
	MalformedStartLine ParseErrorCode = "malformed-start-line"
	BadHeader          ParseErrorCode = "bad-header"
	MissingEnd         ParseErrorCode = "missing-end"
	BodyTooShort       ParseErrorCode = "body-too-short"
	BadLength          ParseErrorCode = "bad-length"
	MixedTransfer      ParseErrorCode = "mixed-transfer"
	FrameTooLarge      ParseErrorCode = "frame-too-large"
	BadUTF8            ParseErrorCode = "bad-utf8"
)

// ParseError is returned by Decode when the octet stream does not
// conform to the frame grammar.
type ParseError struct {
	Code   ParseErrorCode
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func newParseError(code ParseErrorCode, detail string) *ParseError {
	return &ParseError{Code: code, Detail: detail}
}
