package mpegts

import "github.com/AgustinSRG/live-media-core/internal/errorsx"

// StreamInfo is one elementary stream entry of a PMT.
type StreamInfo struct {
	StreamType byte
	PID        uint16
}

// PMT is the decoded Program Map Table: PCR PID plus elementary streams.
// This core carries at most one video and one audio stream per spec §4.2,
// but ParsePMT/BuildPMT accept any count for robustness against inputs
// with extra (ignored) stream types.
type PMT struct {
	ProgramNumber uint16
	PCRPid        uint16
	Streams       []StreamInfo
}

func ParsePMT(payload []byte) (PMT, error) {
	if len(payload) < 1 {
		return PMT{}, errorsx.Malformed(errorsx.CodeBadSync, "empty pmt payload")
	}
	pointer := int(payload[0])
	pos := 1 + pointer
	if pos+12 > len(payload) {
		return PMT{}, errorsx.Malformed(errorsx.CodeBadSync, "truncated pmt section")
	}

	tableID := payload[pos]
	if tableID != 0x02 {
		return PMT{}, errorsx.Malformed(errorsx.CodeBadSync, "unexpected pmt table id")
	}
	sectionLength := int(payload[pos+1]&0x0F)<<8 | int(payload[pos+2])
	programNumber := uint16(payload[pos+3])<<8 | uint16(payload[pos+4])
	pcrPid := (uint16(payload[pos+8])<<8 | uint16(payload[pos+9])) & 0x1FFF
	programInfoLen := int(payload[pos+10]&0x0F)<<8 | int(payload[pos+11])

	sectionEnd := pos + 3 + sectionLength
	if sectionEnd > len(payload) {
		return PMT{}, errorsx.Malformed(errorsx.CodeBadSync, "pmt section overruns payload")
	}
	if err := checkCRC(payload[pos:sectionEnd]); err != nil {
		return PMT{}, err
	}

	pmt := PMT{ProgramNumber: programNumber, PCRPid: pcrPid}
	p := pos + 12 + programInfoLen
	for p+5 <= sectionEnd-4 {
		streamType := payload[p]
		pid := (uint16(payload[p+1])<<8 | uint16(payload[p+2])) & 0x1FFF
		esInfoLen := int(payload[p+3]&0x0F)<<8 | int(payload[p+4])
		p += 5 + esInfoLen
		pmt.Streams = append(pmt.Streams, StreamInfo{StreamType: streamType, PID: pid})
	}
	return pmt, nil
}

func BuildPMT(pmt PMT, cc *ContinuityCounters, pid uint16) []byte {
	pkt := BuildHeader(Header{
		PayloadUnitStart:    true,
		PID:                 pid,
		AdaptationFieldCtrl: 1,
		ContinuityCounter:   cc.Next(pid),
	})

	body := make([]byte, 0, 20)
	body = append(body, 0x02)       // table_id
	body = append(body, 0, 0)       // section_length placeholder
	body = append(body, byte(pmt.ProgramNumber>>8), byte(pmt.ProgramNumber))
	body = append(body, 0xC1)       // reserved+version+current_next
	body = append(body, 0x00, 0x00) // section_number, last_section_number
	body = append(body, byte(pmt.PCRPid>>8)|0xE0, byte(pmt.PCRPid))
	body = append(body, 0xF0, 0x00) // program_info_length = 0

	for _, s := range pmt.Streams {
		body = append(body, s.StreamType)
		body = append(body, byte(s.PID>>8)|0xE0, byte(s.PID))
		body = append(body, 0xF0, 0x00) // ES_info_length = 0
	}

	sectionLength := len(body) - 3 + 4
	body[1] = 0xB0 | byte(sectionLength>>8)
	body[2] = byte(sectionLength)

	crc := CRC32MPEG2(body)
	body = append(body, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))

	return fillPayload(pkt, 4, append([]byte{0x00}, body...))
}
