package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// AwakeableIDPrefix is the literal prefix of every awakeable id.
const AwakeableIDPrefix = "prom_1"

// AwakeableID synthesizes the wire id for an awakeable created at entryIndex
// of jobID: "prom_1" followed by url-safe base64 (no padding) of
// "<job_id>:<entry_index>".
func AwakeableID(jobID string, entryIndex int) string {
	body := base64.RawURLEncoding.EncodeToString([]byte(jobID + ":" + strconv.Itoa(entryIndex)))
	return AwakeableIDPrefix + body
}

// ParseAwakeableID decodes an awakeable id back to its origin job and entry
// index. Parsing is strict: a malformed prefix, empty or invalid base64 body,
// missing colon, or non-numeric index is an invalid argument.
func ParseAwakeableID(id string) (jobID string, entryIndex int, err error) {
	if !strings.HasPrefix(id, AwakeableIDPrefix) {
		return "", 0, fmt.Errorf("%w: awakeable id missing %q prefix", ErrInvalidArgument, AwakeableIDPrefix)
	}
	body := id[len(AwakeableIDPrefix):]
	if body == "" {
		return "", 0, fmt.Errorf("%w: awakeable id has empty body", ErrInvalidArgument)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", 0, fmt.Errorf("%w: awakeable id body is not url-safe base64", ErrInvalidArgument)
	}
	sep := strings.LastIndexByte(string(raw), ':')
	if sep <= 0 || sep == len(raw)-1 {
		return "", 0, fmt.Errorf("%w: awakeable id body missing job/index separator", ErrInvalidArgument)
	}
	jobID = string(raw[:sep])
	idx, err := strconv.Atoi(string(raw[sep+1:]))
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("%w: awakeable id has non-numeric entry index", ErrInvalidArgument)
	}
	if err := ValidateIdentifier("job_id", jobID); err != nil {
		return "", 0, err
	}
	return jobID, idx, nil
}
