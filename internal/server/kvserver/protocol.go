package kvserver

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/core/service"
)

// DefaultMaxLineBytes bounds one request line, newline included.
const DefaultMaxLineBytes = 1 << 20

// ErrLineTooLong is returned when a request line exceeds the limit. The
// stream cannot be resynchronised after it.
var ErrLineTooLong = errors.New("kvserver: request line too long")

// Request is one decoded request line.
type Request struct {
	Cmd  string      `json:"cmd"`
	Args RequestArgs `json:"args"`
}

// RequestArgs is the wire argument bag. Fields that clients send loosely
// typed are kept raw and normalised by ParseCommand.
type RequestArgs struct {
	K     json.RawMessage `json:"k"`
	V     json.RawMessage `json:"v"`
	Q     string          `json:"q"`
	Re    bool            `json:"re"`
	N     json.RawMessage `json:"n"`
	F     string          `json:"f"`
	SQL   string          `json:"sql"`
	Data  json.RawMessage `json:"data"`
	Table string          `json:"table"`
}

// Response is one response line.
type Response struct {
	Status     string              `json:"status"`
	Command    string              `json:"command"`
	Data       any                 `json:"data"`
	Code       string              `json:"code,omitempty"`
	Pagination *service.Pagination `json:"pagination,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ParseCommand decodes a request line. The returned name is what the client
// sent, so error responses can echo it even when decoding fails part way.
func ParseCommand(line []byte) (domain.Command, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&req); err != nil {
		return domain.Command{}, domain.ErrMalformedRequest.WithDetails(err.Error())
	}
	if dec.More() {
		return domain.Command{}, domain.ErrMalformedRequest.WithDetails("trailing data after request object")
	}

	cmd := domain.Command{Name: req.Cmd}
	if strings.TrimSpace(req.Cmd) == "" {
		return cmd, domain.ErrMalformedRequest.WithDetails("cmd is required")
	}
	op, ok := domain.ParseOp(req.Cmd)
	if !ok {
		return cmd, domain.ErrUnknownCommand.WithDetails(strconv.Quote(req.Cmd))
	}
	cmd.Op = op

	args, err := parseArgs(req.Args)
	if err != nil {
		return cmd, err
	}
	cmd.Args = args
	return cmd, nil
}

func parseArgs(in RequestArgs) (domain.Args, error) {
	var (
		out domain.Args
		err error
	)

	if out.Key, err = domain.ValueString(in.K); err != nil {
		return out, err
	}
	if present(in.V) {
		if out.Value, err = domain.ValueString(in.V); err != nil {
			return out, err
		}
		out.HasValue = true
	}
	if out.BatchSize, err = parseBatchSize(in.N); err != nil {
		return out, err
	}
	if present(in.Data) {
		if out.Data, err = domain.DecodeObject(in.Data); err != nil {
			return out, err
		}
		out.HasData = true
	}
	out.Query = in.Q
	out.Regex = in.Re
	out.File = in.F
	out.SQL = in.SQL
	out.Table = in.Table
	return out, nil
}

// parseBatchSize accepts a JSON number or a numeric string.
func parseBatchSize(raw json.RawMessage) (int, error) {
	if !present(raw) {
		return 0, nil
	}

	raw = bytes.TrimSpace(raw)
	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, domain.ErrInvalidArgument.WithDetails("n: " + err.Error())
		}
		text = strings.TrimSpace(s)
		if text == "" {
			return 0, nil
		}
	}

	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, domain.ErrInvalidArgument.WithDetails("n must be a non-negative integer, got " + text)
	}
	if n < 0 {
		return 0, domain.ErrInvalidArgument.WithDetails("n must be a non-negative integer, got " + text)
	}
	return n, nil
}

func present(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// Success builds a success response.
func Success(name string, res *service.Result) Response {
	return Response{
		Status:     StatusSuccess,
		Command:    name,
		Data:       res.Data,
		Pagination: res.Pagination,
	}
}

// Failure builds an error response. Domain errors carry their code; other
// errors are reported as internal.
func Failure(name string, err error) Response {
	var de *domain.DomainError
	if !errors.As(err, &de) {
		de = domain.ErrInternal.Wrap(err)
	}
	msg := de.Message
	if de.Details != "" {
		msg += ": " + de.Details
	}
	return Response{
		Status:  StatusError,
		Command: name,
		Data:    msg,
		Code:    de.Code,
	}
}

// readLine reads one '\n'-terminated line of at most max bytes and strips
// the terminator. A final unterminated line is returned as is.
func readLine(br *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(line)+len(frag) > max {
			return nil, ErrLineTooLong
		}
		line = append(line, frag...)

		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return bytes.TrimRight(line, "\r\n"), nil
		default:
			return nil, err
		}
	}
}

// writeResponse encodes resp as one line.
func writeResponse(bw *bufio.Writer, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(Failure(resp.Command, domain.ErrInternal.WithDetails(err.Error())))
	}
	if _, err := bw.Write(b); err != nil {
		return err
	}
	return bw.WriteByte('\n')
}
