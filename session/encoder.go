package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const sessionFormatVersionCurrent = 1

// Encode serializes a session into the compact binary layout stored in Redis.
// The layout is parsed byte-for-byte by the rotation Lua script, so any change
// here must bump the version and update the script in lockstep.
func Encode(s *Session) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionFormatVersionCurrent)

	if len(s.UserID) > 255 {
		return nil, errors.New("userID too long")
	}
	buf.WriteByte(byte(len(s.UserID)))
	buf.WriteString(s.UserID)

	if len(s.Email) > 255 {
		return nil, errors.New("email too long")
	}
	buf.WriteByte(byte(len(s.Email)))
	buf.WriteString(s.Email)

	buf.Write(s.RefreshHash[:])
	buf.Write(s.CsrfHash[:])

	if len(s.UpstreamRefresh) > 65535 {
		return nil, errors.New("upstream refresh too long")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(s.UpstreamRefresh))); err != nil {
		return nil, err
	}
	buf.WriteString(s.UpstreamRefresh)

	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.ExpiresAt); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a stored session blob. SessionID is not part of the payload
// and must be filled in by the caller from the key.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionFormatVersionCurrent {
		return nil, errors.New("invalid session version")
	}

	s := &Session{}

	userLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	userID := make([]byte, userLen)
	if _, err := io.ReadFull(reader, userID); err != nil {
		return nil, err
	}
	s.UserID = string(userID)

	emailLen, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	email := make([]byte, emailLen)
	if _, err := io.ReadFull(reader, email); err != nil {
		return nil, err
	}
	s.Email = string(email)

	if _, err := io.ReadFull(reader, s.RefreshHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, s.CsrfHash[:]); err != nil {
		return nil, err
	}

	var upstreamLen uint16
	if err := binary.Read(reader, binary.BigEndian, &upstreamLen); err != nil {
		return nil, err
	}
	upstream := make([]byte, upstreamLen)
	if _, err := io.ReadFull(reader, upstream); err != nil {
		return nil, err
	}
	s.UpstreamRefresh = string(upstream)

	if err := binary.Read(reader, binary.BigEndian, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &s.ExpiresAt); err != nil {
		return nil, err
	}

	return s, nil
}
