package packet

// parseTLSClientHelloSNI walks a TLS record that is expected to start with
// a handshake record (content type 22) carrying a ClientHello (handshake
// type 1), per spec.md §4.2. It walks the session-id, cipher-suite, and
// compression-method lists, then the extension list, looking for the SNI
// extension (type 0, name type 0 = host_name). Any bounds failure returns
// ("", false); it never panics.
func parseTLSClientHelloSNI(b []byte) (string, bool) {
	if len(b) < 5 || b[0] != 22 {
		return "", false
	}
	recordLen := int(b[3])<<8 | int(b[4])
	if len(b) < 5+recordLen {
		recordLen = len(b) - 5
	}
	hs := b[5 : 5+recordLen]
	if len(hs) < 4 || hs[0] != 1 {
		return "", false
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	body := hs[4:]
	if len(body) < hsLen {
		// Often true for a ClientHello split across TCP segments; parse
		// what we have rather than failing outright.
		hsLen = len(body)
	}
	body = body[:hsLen]

	off := 0
	// client_version (2) + random (32)
	if len(body) < off+34 {
		return "", false
	}
	off += 34
	// session_id
	if len(body) < off+1 {
		return "", false
	}
	sidLen := int(body[off])
	off++
	if len(body) < off+sidLen {
		return "", false
	}
	off += sidLen
	// cipher_suites
	if len(body) < off+2 {
		return "", false
	}
	csLen := int(body[off])<<8 | int(body[off+1])
	off += 2
	if len(body) < off+csLen {
		return "", false
	}
	off += csLen
	// compression_methods
	if len(body) < off+1 {
		return "", false
	}
	cmLen := int(body[off])
	off++
	if len(body) < off+cmLen {
		return "", false
	}
	off += cmLen
	// extensions
	if len(body) < off+2 {
		return "", false
	}
	extTotal := int(body[off])<<8 | int(body[off+1])
	off += 2
	end := off + extTotal
	if end > len(body) {
		end = len(body)
	}
	for off+4 <= end {
		extType := int(body[off])<<8 | int(body[off+1])
		extLen := int(body[off+2])<<8 | int(body[off+3])
		off += 4
		if off+extLen > end {
			return "", false
		}
		extBody := body[off : off+extLen]
		off += extLen
		if extType == 0 { // server_name
			if sni, ok := parseSNIExtension(extBody); ok {
				return sni, true
			}
		}
	}
	return "", false
}

func parseSNIExtension(b []byte) (string, bool) {
	if len(b) < 2 {
		return "", false
	}
	listLen := int(b[0])<<8 | int(b[1])
	off := 2
	end := off + listLen
	if end > len(b) {
		end = len(b)
	}
	for off+3 <= end {
		nameType := b[off]
		nameLen := int(b[off+1])<<8 | int(b[off+2])
		off += 3
		if off+nameLen > end {
			return "", false
		}
		name := b[off : off+nameLen]
		off += nameLen
		if nameType == 0 {
			return string(name), true
		}
	}
	return "", false
}
