// internal/ble/protocol/chunk.go
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is the number of characters carried by one DATA frame.
// With the tag and sequence number prepended this keeps every frame within
// the ~20 byte payload of a default-MTU BLE write.
const DefaultChunkSize = 16

// Tag identifies which logical message a chunk sequence belongs to.
type Tag string

const (
	TagSupabaseConfig Tag = "SUPA_CFG" // backend connection config (JSON)
	TagAuthToken      Tag = "JWT_SET"  // device token (JSON)
	TagCertificate    Tag = "CA_SET"   // raw CA bundle text
)

// Frame suffixes appended to the tag.
const (
	suffixBegin = "_BEGIN"
	suffixData  = "_DATA"
	suffixEnd   = "_END"
)

// EncodeChunks frames text as "<tag>_BEGIN <len>", one "<tag>_DATA <seq> <part>"
// per chunkSize characters, and "<tag>_END". Lengths and slicing are counted in
// characters, so a frame never carries a partial UTF-8 sequence. A
// non-positive chunkSize falls back to DefaultChunkSize.
//
// tag must not contain whitespace; this is not checked.
func EncodeChunks(tag Tag, text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	runes := []rune(text)
	total := len(runes)

	cmds := make([]string, 0, 2+(total+chunkSize-1)/chunkSize)
	cmds = append(cmds, fmt.Sprintf("%s%s %d", tag, suffixBegin, total))
	seq := 0
	for i := 0; i < total; i += chunkSize {
		end := i + chunkSize
		if end > total {
			end = total
		}
		cmds = append(cmds, fmt.Sprintf("%s%s %d %s", tag, suffixData, seq, string(runes[i:end])))
		seq++
	}
	cmds = append(cmds, string(tag)+suffixEnd)
	return cmds
}

// EncodeTrimSafe frames text like EncodeChunks, but places chunk boundaries
// so that no DATA part ends in whitespace. The reader trims every write
// before parsing it, which would drop a part's trailing newline. A boundary
// that would land after whitespace moves back so the whitespace starts the
// next part; a window holding only whitespace grows up to the next
// non-space character. Leading and trailing whitespace of text is dropped
// and BEGIN carries the trimmed length.
func EncodeTrimSafe(tag Tag, text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	runes := []rune(strings.TrimSpace(text))
	total := len(runes)

	cmds := make([]string, 0, 2+(total+chunkSize-1)/chunkSize)
	cmds = append(cmds, fmt.Sprintf("%s%s %d", tag, suffixBegin, total))
	seq := 0
	for i := 0; i < total; {
		end := min(i+chunkSize, total)
		for end > i && unicode.IsSpace(runes[end-1]) {
			end--
		}
		if end == i {
			// runes[total-1] is not a space, so this stops in range.
			for unicode.IsSpace(runes[end]) {
				end++
			}
			end++
		}
		cmds = append(cmds, fmt.Sprintf("%s%s %d %s", tag, suffixData, seq, string(runes[i:end])))
		seq++
		i = end
	}
	cmds = append(cmds, string(tag)+suffixEnd)
	return cmds
}

// Reassembly errors.
var (
	ErrNoBegin        = errors.New("protocol: DATA or END without BEGIN")
	ErrSequenceGap    = errors.New("protocol: DATA frame out of sequence")
	ErrLengthMismatch = errors.New("protocol: reassembled length does not match BEGIN")
	ErrMalformedFrame = errors.New("protocol: malformed chunk frame")
)

// Reassembler is the receiving side of EncodeChunks: it keeps one buffer per
// tag, starts over on BEGIN, appends DATA in sequence order, and hands back
// the payload on END. It is not safe for concurrent use.
type Reassembler struct {
	buffers map[Tag]*chunkBuffer
}

type chunkBuffer struct {
	expect  int
	nextSeq int
	data    strings.Builder
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{buffers: make(map[Tag]*chunkBuffer)}
}

// Feed consumes one frame. When the frame is an END that completes a
// message, complete is true and payload holds the message. Frames that are
// not chunk frames return ok == false and are left for the caller.
func (r *Reassembler) Feed(frame string) (tag Tag, payload string, complete bool, ok bool, err error) {
	head, rest, _ := strings.Cut(frame, " ")
	tag = frameTag(head)
	if tag == "" {
		return "", "", false, false, nil
	}
	switch {
	case strings.HasSuffix(head, suffixBegin):
		n, convErr := strconv.Atoi(rest)
		if convErr != nil || n < 0 {
			return tag, "", false, true, fmt.Errorf("%w: %q", ErrMalformedFrame, frame)
		}
		// A new BEGIN discards whatever was in flight for this tag.
		r.buffers[tag] = &chunkBuffer{expect: n}
		return tag, "", false, true, nil

	case strings.HasSuffix(head, suffixData):
		buf, found := r.buffers[tag]
		if !found {
			return tag, "", false, true, ErrNoBegin
		}
		seqStr, part, hasPart := strings.Cut(rest, " ")
		seq, convErr := strconv.Atoi(seqStr)
		if !hasPart || convErr != nil {
			return tag, "", false, true, fmt.Errorf("%w: %q", ErrMalformedFrame, frame)
		}
		if seq != buf.nextSeq {
			delete(r.buffers, tag)
			return tag, "", false, true, fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, seq, buf.nextSeq)
		}
		buf.data.WriteString(part)
		buf.nextSeq++
		return tag, "", false, true, nil

	case strings.HasSuffix(head, suffixEnd) && rest == "":
		buf, found := r.buffers[tag]
		if !found {
			return tag, "", false, true, ErrNoBegin
		}
		delete(r.buffers, tag)
		payload = buf.data.String()
		if n := utf8.RuneCountInString(payload); n != buf.expect {
			return tag, payload, true, true, fmt.Errorf("%w: got %d, want %d", ErrLengthMismatch, n, buf.expect)
		}
		return tag, payload, true, true, nil
	}
	return "", "", false, false, nil
}

// frameTag returns the known tag that head frames, or "".
func frameTag(head string) Tag {
	for _, t := range []Tag{TagSupabaseConfig, TagAuthToken, TagCertificate} {
		if rest, ok := strings.CutPrefix(head, string(t)); ok {
			switch rest {
			case suffixBegin, suffixData, suffixEnd:
				return t
			}
		}
	}
	return ""
}

// Pending reports whether a message for tag has begun but not ended.
func (r *Reassembler) Pending(tag Tag) bool {
	_, ok := r.buffers[tag]
	return ok
}
