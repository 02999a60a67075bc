package kvserver

import (
	"bufio"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/yndnr/securekv/internal/core/domain"
	"github.com/yndnr/securekv/internal/core/service"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    domain.Command
		wantErr error
	}{
		{
			name: "set string",
			line: `{"cmd":"set","args":{"k":"a","v":"1"}}`,
			want: domain.Command{Name: "set", Op: domain.OpSet, Args: domain.Args{Key: "a", Value: "1", HasValue: true}},
		},
		{
			name: "set number and case-insensitive name",
			line: `{"cmd":"SET","args":{"k":7,"v":1.5}}`,
			want: domain.Command{Name: "SET", Op: domain.OpSet, Args: domain.Args{Key: "7", Value: "1.5", HasValue: true}},
		},
		{
			name: "structured value compacted",
			line: `{"cmd":"set","args":{"k":"u","v":{ "name" : "x" }}}`,
			want: domain.Command{Name: "set", Op: domain.OpSet, Args: domain.Args{Key: "u", Value: `{"name":"x"}`, HasValue: true}},
		},
		{
			name: "null value is missing",
			line: `{"cmd":"set","args":{"k":"a","v":null}}`,
			want: domain.Command{Name: "set", Op: domain.OpSet, Args: domain.Args{Key: "a"}},
		},
		{
			name: "numeric n",
			line: `{"cmd":"list","args":{"n":2}}`,
			want: domain.Command{Name: "list", Op: domain.OpList, Args: domain.Args{BatchSize: 2}},
		},
		{
			name: "string n",
			line: `{"cmd":"search","args":{"q":"x","n":"10"}}`,
			want: domain.Command{Name: "search", Op: domain.OpSearch, Args: domain.Args{Query: "x", BatchSize: 10}},
		},
		{
			name: "regex search",
			line: `{"cmd":"searchkey","args":{"q":"^a.*","re":true}}`,
			want: domain.Command{Name: "searchkey", Op: domain.OpSearchKey, Args: domain.Args{Query: "^a.*", Regex: true}},
		},
		{
			name: "login",
			line: `{"cmd":"login","args":{"k":"bob","v":"pw"}}`,
			want: domain.Command{Name: "login", Op: domain.OpLogin, Args: domain.Args{Key: "bob", Value: "pw", HasValue: true}},
		},
		{
			name: "use with table",
			line: `{"cmd":"use","args":{"table":"demo"}}`,
			want: domain.Command{Name: "use", Op: domain.OpUse, Args: domain.Args{Table: "demo"}},
		},
		{
			name: "load inline data",
			line: `{"cmd":"load","args":{"data":{"a":"1","b":2}}}`,
			want: domain.Command{Name: "load", Op: domain.OpLoad, Args: domain.Args{
				Data: map[string]string{"a": "1", "b": "2"}, HasData: true,
			}},
		},
		{
			name: "no args",
			line: `{"cmd":"tables"}`,
			want: domain.Command{Name: "tables", Op: domain.OpTables},
		},
		{name: "invalid json", line: `{"cmd":`, wantErr: domain.ErrMalformedRequest},
		{name: "not an object", line: `[1,2]`, wantErr: domain.ErrMalformedRequest},
		{name: "trailing data", line: `{"cmd":"tables"} {}`, wantErr: domain.ErrMalformedRequest},
		{name: "missing cmd", line: `{"args":{}}`, wantErr: domain.ErrMalformedRequest},
		{name: "unknown cmd", line: `{"cmd":"flushall"}`, wantErr: domain.ErrUnknownCommand},
		{name: "negative n", line: `{"cmd":"list","args":{"n":-1}}`, wantErr: domain.ErrInvalidArgument},
		{name: "fractional n", line: `{"cmd":"list","args":{"n":1.5}}`, wantErr: domain.ErrInvalidArgument},
		{name: "word n", line: `{"cmd":"list","args":{"n":"ten"}}`, wantErr: domain.ErrInvalidArgument},
		{name: "data not object", line: `{"cmd":"init","args":{"data":[1]}}`, wantErr: domain.ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.line))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseCommand() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommand() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFailure(t *testing.T) {
	resp := Failure("get", domain.ErrKeyNotFound.WithDetails(`"a"`))
	want := Response{Status: StatusError, Command: "get", Data: `key not found: "a"`, Code: "KV-DATA-4040"}
	if !reflect.DeepEqual(resp, want) {
		t.Errorf("Failure() = %+v, want %+v", resp, want)
	}

	resp = Failure("x", io.ErrUnexpectedEOF)
	if resp.Code != domain.ErrInternal.Code {
		t.Errorf("non-domain error code = %s, want %s", resp.Code, domain.ErrInternal.Code)
	}
}

func TestSuccess(t *testing.T) {
	p := &service.Pagination{Progress: "1/2", HasMore: true}
	resp := Success("list", &service.Result{Data: []any{}, Pagination: p})
	if resp.Status != StatusSuccess || resp.Pagination != p || resp.Code != "" {
		t.Errorf("Success() = %+v", resp)
	}
}

func TestReadLine(t *testing.T) {
	long := strings.Repeat("x", 40)

	tests := []struct {
		name    string
		input   string
		max     int
		want    []string
		wantErr error
	}{
		{name: "two lines", input: "a\nb\n", max: 10, want: []string{"a", "b"}, wantErr: io.EOF},
		{name: "crlf", input: "a\r\n", max: 10, want: []string{"a"}, wantErr: io.EOF},
		{name: "unterminated final line", input: "a\nb", max: 10, want: []string{"a", "b"}, wantErr: io.EOF},
		{name: "spans reader buffer", input: long + "\n", max: 64, want: []string{long}, wantErr: io.EOF},
		{name: "too long", input: long + "\n", max: 20, wantErr: ErrLineTooLong},
		{name: "too long after good line", input: "ok\n" + long + "\n", max: 20, want: []string{"ok"}, wantErr: ErrLineTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			var got []string
			for {
				line, err := readLine(br, tt.max)
				if err != nil {
					if !errors.Is(err, tt.wantErr) {
						t.Fatalf("readLine() error = %v, want %v", err, tt.wantErr)
					}
					break
				}
				got = append(got, string(line))
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("lines = %q, want %q", got, tt.want)
			}
		})
	}
}
