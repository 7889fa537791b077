package wire

import "github.com/miekg/dns"

// Decode unpacks a raw client frame into a dns.Msg. miekg/dns enforces the
// header/label/compression-pointer invariants from §4.1 internally (backward-
// only pointers, 1..63 label length, 255 name length cap) and returns a
// non-nil error for anything malformed; callers map that to FORMERR.
func Decode(buf []byte) (*dns.Msg, error) {
	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode packs m to its wire form with name compression, per §4.1.
func Encode(m *dns.Msg) ([]byte, error) {
	return m.Pack()
}

// EncodeUncompressed packs m without name compression, for diagnostic paths
// that need byte-for-byte predictable output.
func EncodeUncompressed(m *dns.Msg) ([]byte, error) {
	m.Compress = false
	return m.Pack()
}

// FormErr builds a well-formed FORMERR reply for req. If req's transaction
// id could not be recovered from the malformed frame, callers should drop
// it instead of calling this, per §7's propagation policy.
func FormErr(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeFormatError)
	return m
}

// Truncate clears the answer/authority/additional sections and sets the
// truncation bit, per §4.1's UDP-buffer-overflow failure mode.
func Truncate(m *dns.Msg) {
	m.Truncated = true
	m.Answer = nil
	m.Ns = nil
	m.Extra = nil
}
