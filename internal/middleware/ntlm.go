package middleware

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf16"

	"github.com/labstack/echo/v4"
)

// Context keys set by NTLMAuth on a completed handshake.
const (
	ContextKeyUser   = "ntlm_user"
	ContextKeyDomain = "ntlm_domain"
)

var ntlmSignature = []byte("NTLMSSP\x00")

const (
	ntlmNegotiate    = 1
	ntlmChallenge    = 2
	ntlmAuthenticate = 3
)

const (
	flagUnicode          uint32 = 0x00000001
	flagRequestTarget    uint32 = 0x00000004
	flagNTLM             uint32 = 0x00000200
	flagAlwaysSign       uint32 = 0x00008000
	flagTargetTypeDomain uint32 = 0x00010000
	flagExtendedSecurity uint32 = 0x00080000
	flagTargetInfo       uint32 = 0x00800000
	flagVersion          uint32 = 0x02000000
	flag128              uint32 = 0x20000000
	flag56               uint32 = 0x80000000

	challengeFlags = flagUnicode | flagRequestTarget | flagNTLM | flagAlwaysSign |
		flagTargetTypeDomain | flagExtendedSecurity | flagTargetInfo | flagVersion | flag128 | flag56
)

// AV pair ids used in the challenge target info.
const (
	avEOL          uint16 = 0
	avComputerName uint16 = 1
	avDomainName   uint16 = 2
)

var errMalformedNTLM = errors.New("malformed NTLM message")

// NTLMAuth returns an Echo middleware that runs the NTLM handshake with the
// caller: a Type 1 message is answered with a Type 2 challenge, and a
// well-formed Type 3 message completes it.
//
// The Type 3 response is NOT verified: there is no domain controller to check
// it against, so the user and domain are whatever the caller claims. Any local
// process can pass as any listed identity. allowedUsers (compared
// case-insensitively, as "user" or "DOMAIN\user") filters well-behaved clients
// and labels logs; it is not access control against a hostile caller.
func NTLMAuth(target string, allowedUsers []string, logger *slog.Logger) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(allowedUsers))
	for _, u := range allowedUsers {
		allowed[strings.ToLower(u)] = true
	}
	target = strings.ToUpper(target)
	logger = logger.With("component", "ntlm_auth")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			msg, ok := ntlmToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return unauthorized(c, "NTLM")
			}

			msgType, err := ntlmMessageType(msg)
			if err != nil {
				logger.Debug("rejecting NTLM token", "err", err)
				return unauthorized(c, "NTLM")
			}

			switch msgType {
			case ntlmNegotiate:
				challenge, err := newChallenge(target)
				if err != nil {
					return err
				}
				return unauthorized(c, "NTLM "+base64.StdEncoding.EncodeToString(challenge))
			case ntlmAuthenticate:
				domain, user, err := parseAuthenticate(msg)
				if err != nil {
					logger.Debug("rejecting NTLM authenticate message", "err", err)
					return unauthorized(c, "NTLM")
				}
				if len(allowed) > 0 && !allowed[strings.ToLower(user)] && !allowed[strings.ToLower(domain+`\`+user)] {
					logger.Warn("NTLM user not allowed", "user", user, "domain", domain)
					return echo.NewHTTPError(http.StatusForbidden, "user not allowed")
				}
				c.Set(ContextKeyUser, user)
				c.Set(ContextKeyDomain, domain)
				return next(c)
			default:
				return unauthorized(c, "NTLM")
			}
		}
	}
}

func unauthorized(c echo.Context, challenge string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, challenge)
	return c.NoContent(http.StatusUnauthorized)
}

// ntlmToken extracts the binary token from an "NTLM" or "Negotiate" header.
func ntlmToken(header string) ([]byte, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || (!strings.EqualFold(scheme, "NTLM") && !strings.EqualFold(scheme, "Negotiate")) {
		return nil, false
	}
	msg, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return nil, false
	}
	return msg, true
}

func ntlmMessageType(msg []byte) (uint32, error) {
	if len(msg) < 12 || !bytes.Equal(msg[:8], ntlmSignature) {
		return 0, errMalformedNTLM
	}
	return binary.LittleEndian.Uint32(msg[8:12]), nil
}

// newChallenge builds a Type 2 message with a random server challenge.
func newChallenge(target string) ([]byte, error) {
	var serverChallenge [8]byte
	if _, err := rand.Read(serverChallenge[:]); err != nil {
		return nil, err
	}

	targetName := encodeUTF16(target)
	var info bytes.Buffer
	writeAVPair(&info, avDomainName, targetName)
	writeAVPair(&info, avComputerName, targetName)
	writeAVPair(&info, avEOL, nil)

	const headerLen = 56
	msg := make([]byte, headerLen, headerLen+len(targetName)+info.Len())
	copy(msg[0:8], ntlmSignature)
	binary.LittleEndian.PutUint32(msg[8:12], ntlmChallenge)
	putVarField(msg[12:20], len(targetName), headerLen)
	binary.LittleEndian.PutUint32(msg[20:24], challengeFlags)
	copy(msg[24:32], serverChallenge[:])
	// msg[32:40] reserved
	putVarField(msg[40:48], info.Len(), headerLen+len(targetName))
	// Version: 6.1 build 7601, NTLM revision 15.
	copy(msg[48:56], []byte{6, 1, 0xb1, 0x1d, 0, 0, 0, 0x0f})

	msg = append(msg, targetName...)
	msg = append(msg, info.Bytes()...)
	return msg, nil
}

// parseAuthenticate returns the domain and user from a Type 3 message.
func parseAuthenticate(msg []byte) (domain, user string, err error) {
	if len(msg) < 64 {
		return "", "", errMalformedNTLM
	}
	flags := binary.LittleEndian.Uint32(msg[60:64])
	unicode := flags&flagUnicode != 0

	domainBytes, err := readVarField(msg, 28)
	if err != nil {
		return "", "", err
	}
	userBytes, err := readVarField(msg, 36)
	if err != nil {
		return "", "", err
	}
	if len(userBytes) == 0 {
		return "", "", errors.New("NTLM authenticate message has no user")
	}
	return decodeNTLMString(domainBytes, unicode), decodeNTLMString(userBytes, unicode), nil
}

func readVarField(msg []byte, at int) ([]byte, error) {
	n := int(binary.LittleEndian.Uint16(msg[at : at+2]))
	off := int(binary.LittleEndian.Uint32(msg[at+4 : at+8]))
	if off < 0 || off+n > len(msg) {
		return nil, errMalformedNTLM
	}
	return msg[off : off+n], nil
}

func putVarField(dst []byte, n, offset int) {
	binary.LittleEndian.PutUint16(dst[0:2], uint16(n))
	binary.LittleEndian.PutUint16(dst[2:4], uint16(n))
	binary.LittleEndian.PutUint32(dst[4:8], uint32(offset))
}

func writeAVPair(buf *bytes.Buffer, id uint16, value []byte) {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], id)
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(len(value)))
	buf.Write(hdr[:])
	buf.Write(value)
}

func encodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[2*i:], u)
	}
	return b
}

func decodeNTLMString(b []byte, unicode bool) string {
	if !unicode {
		return string(b)
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return string(utf16.Decode(units))
}
