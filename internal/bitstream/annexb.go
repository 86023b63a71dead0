// Annex-B NALU scanner, per spec §4.1: splits on start codes
// {0x00 0x00 0x00 0x01} or {0x00 0x00 0x01}, classifies by 5-bit (H.264) or
// 6-bit (H.265) NALU type, and filters AUD/filler (and optionally SEI).
package bitstream

// H264NaluType extracts the 5-bit NALU type from the first byte.
func H264NaluType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1F
}

// H265NaluType extracts the 6-bit NALU type from the first byte.
func H265NaluType(nalu []byte) byte {
	if len(nalu) == 0 {
		return 0
	}
	return (nalu[0] >> 1) & 0x3F
}

const (
	H264NaluTypeAUD    = 9
	H264NaluTypeFiller = 12
	H264NaluTypeSEI    = 6

	H265NaluTypeAUD35    = 35
	H265NaluTypeFiller38 = 38
	H265NaluTypeSEI39    = 39
	H265NaluTypeSEI40    = 40
)

// ScanAnnexB splits buf on Annex-B start codes and returns each NALU's
// payload (start code excluded).
func ScanAnnexB(buf []byte) [][]byte {
	starts := findStartCodes(buf)
	if len(starts) == 0 {
		return nil
	}

	nalus := make([][]byte, 0, len(starts))
	for i, s := range starts {
		end := len(buf)
		if i+1 < len(starts) {
			end = starts[i+1].codeStart
		}
		if s.naluStart < end {
			nalus = append(nalus, buf[s.naluStart:end])
		}
	}
	return nalus
}

type startCode struct {
	codeStart int
	naluStart int
}

func findStartCodes(buf []byte) []startCode {
	var out []startCode
	i := 0
	for i+2 < len(buf) {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			codeStart := i
			if i > 0 && buf[i-1] == 0 {
				codeStart = i - 1 // 4-byte start code {0,0,0,1}
			}
			out = append(out, startCode{codeStart: codeStart, naluStart: i + 3})
			i += 3
			continue
		}
		i++
	}
	return out
}

// FilterAnnexB drops AUD and filler NALUs (and SEI, if filterSEI), per
// spec §4.1.
func FilterAnnexB(nalus [][]byte, isH265 bool, filterSEI bool) [][]byte {
	out := make([][]byte, 0, len(nalus))
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		if isH265 {
			t := H265NaluType(n)
			if t == H265NaluTypeAUD35 || t == H265NaluTypeFiller38 {
				continue
			}
			if filterSEI && (t == H265NaluTypeSEI39 || t == H265NaluTypeSEI40) {
				continue
			}
		} else {
			t := H264NaluType(n)
			if t == H264NaluTypeAUD || t == H264NaluTypeFiller {
				continue
			}
			if filterSEI && t == H264NaluTypeSEI {
				continue
			}
		}
		out = append(out, n)
	}
	return out
}
