// Package playback serves recorded chunks to viewers: an accept loop per
// transport, a command loop per viewer and a delivery loop per active
// playback.
package playback

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"sdvault/internal/models"
)

// Control command codes.
const (
	CmdStartPlay       uint16 = 0x01FF
	CmdStopPlay        uint16 = 0x02FF
	CmdAudioStart      uint16 = 0x0300
	CmdListEventReq    uint16 = 0x0318
	CmdListEventResp   uint16 = 0x0319
	CmdPlayControl     uint16 = 0x031A
	CmdPlayControlResp uint16 = 0x031B
	CmdPTZ             uint16 = 0x1001
)

// Sub-commands carried in the first byte of RECORD_PLAYCONTROL.
const (
	CtrlPause byte = 0x00 // toggles PLAY and PAUSE
	CtrlStop  byte = 0x01
	CtrlStart byte = 0x10
	CtrlEnd   byte = 0x11 // sent by the server when a playback finishes
)

// Result codes in the second byte of RECORD_PLAYCONTROL_RESP.
const (
	ResultOK     byte = 0
	ResultFailed byte = 1
	ResultBusy   byte = 2 // the viewer already has a playback running
)

// maxControlPayload bounds an inbound control payload.
const maxControlPayload = 1024

func commandName(cmd uint16) string {
	switch cmd {
	case CmdStartPlay:
		return "start_play"
	case CmdStopPlay:
		return "stop_play"
	case CmdAudioStart:
		return "audio_start"
	case CmdListEventReq:
		return "list_event"
	case CmdPlayControl:
		return "play_control"
	case CmdPTZ:
		return "ptz"
	}
	return "unknown"
}

// TimeRange is the payload of START_PLAY and LISTEVENT_REQ: utc start and
// utc end as big-endian u32. A missing or zero end means open-ended.
type TimeRange struct {
	Start uint32
	End   uint32
}

// Bounded reports whether the range has an end.
func (r TimeRange) Bounded() bool {
	return r.End != 0
}

// Marshal encodes the range as 8 bytes.
func (r TimeRange) Marshal() []byte {
	b := binary.BigEndian.AppendUint32(make([]byte, 0, 8), r.Start)
	return binary.BigEndian.AppendUint32(b, r.End)
}

// ParseTimeRange decodes a 4 or 8 byte range payload.
func ParseTimeRange(b []byte) (TimeRange, error) {
	switch len(b) {
	case 4:
		return TimeRange{Start: binary.BigEndian.Uint32(b)}, nil
	case 8:
		r := TimeRange{Start: binary.BigEndian.Uint32(b), End: binary.BigEndian.Uint32(b[4:])}
		if r.Bounded() && r.End < r.Start {
			return TimeRange{}, fmt.Errorf("time range %d-%d is inverted", r.Start, r.End)
		}
		return r, nil
	}
	return TimeRange{}, fmt.Errorf("time range payload of %d bytes", len(b))
}

// EventPage is one LISTEVENT_RESP message.
type EventPage struct {
	Total  int            `msgpack:"total"`
	Index  int            `msgpack:"index"`
	End    bool           `msgpack:"endFlag"`
	Count  int            `msgpack:"count"`
	Events []models.Event `msgpack:"events"`
}

// Pages splits events into messages of at most perPage entries. An empty
// list still yields one terminal page.
func Pages(events []models.Event, perPage int) []EventPage {
	if len(events) == 0 {
		return []EventPage{{End: true}}
	}
	var pages []EventPage
	for i := 0; i < len(events); i += perPage {
		batch := events[i:min(i+perPage, len(events))]
		pages = append(pages, EventPage{
			Total:  len(events),
			Index:  len(pages),
			Count:  len(batch),
			Events: batch,
		})
	}
	pages[len(pages)-1].End = true
	return pages
}

// ParsePage decodes a LISTEVENT_RESP payload.
func ParsePage(b []byte) (EventPage, error) {
	var p EventPage
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return EventPage{}, fmt.Errorf("decode event page: %w", err)
	}
	return p, nil
}
