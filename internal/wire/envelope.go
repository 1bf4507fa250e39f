package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

// Envelope field numbers. The payload is a oneof: exactly one payload
// field is set per envelope.
//
//	1  id          uint64
//	10 auth        Auth
//	11 auth_resp   AuthResp
//	12 ingest      Ingest
//	13 ingest_ack  IngestAck
//	14 query       Query
//	15 query_result QueryResult
//	16 flush       Flush
//	17 flush_result FlushResult
//	18 keys        Keys
//	19 keys_result KeysResult
//	20 ping        Ping
//	21 pong        Pong
//	22 error       Error
const (
	fieldID          = 1
	fieldAuth        = 10
	fieldAuthResp    = 11
	fieldIngest      = 12
	fieldIngestAck   = 13
	fieldQuery       = 14
	fieldQueryResult = 15
	fieldFlush       = 16
	fieldFlushResult = 17
	fieldKeys        = 18
	fieldKeysResult  = 19
	fieldPing        = 20
	fieldPong        = 21
	fieldError       = 22
)

// Envelope is the unit of exchange on a connection. ID correlates a
// response with its request; server-initiated messages use ID 0.
type Envelope struct {
	ID uint64

	Auth        *Auth
	AuthResp    *AuthResp
	Ingest      *Ingest
	IngestAck   *IngestAck
	Query       *Query
	QueryResult *QueryResult
	Flush       *Flush
	FlushResult *FlushResult
	Keys        *Keys
	KeysResult  *KeysResult
	Ping        *Ping
	Pong        *Pong
	Error       *Error
}

// Auth is the first message a client must send.
type Auth struct {
	Token string // 1
}

// AuthResp reports the authentication outcome.
type AuthResp struct {
	OK      bool   // 1
	Message string // 2
}

// Ingest carries a batch of samples.
type Ingest struct {
	Samples []types.Sample // 1
}

// IngestAck reports per-batch acceptance.
type IngestAck struct {
	Accepted uint32      // 1
	Rejected []Rejection // 2
}

// Rejection identifies a refused sample within a batch.
type Rejection struct {
	Index   uint32 // 1
	Code    int32  // 2
	Message string // 3
}

// Query requests closed windows for a key and time range. Zero Start
// and End mean an unbounded range.
type Query struct {
	Key     string // 1
	StartMs int64  // 2
	EndMs   int64  // 3
	Limit   uint32 // 4
}

// QueryResult carries the matching closed windows.
type QueryResult struct {
	Windows []types.WindowAggregate // 1
}

// Flush forces a window closed.
type Flush struct {
	Key           string // 1
	WindowStartMs int64  // 2
}

// FlushResult carries the closed window; Found is false when the
// window never had data.
type FlushResult struct {
	Found  bool                   // 1
	Window *types.WindowAggregate // 2
}

// Keys requests every metric key with data.
type Keys struct{}

// KeysResult carries the known metric keys.
type KeysResult struct {
	Keys []string // 1
}

// Ping is a liveness probe.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Error reports a failed request. Codes come from the errors package.
type Error struct {
	Code    int32  // 1
	Message string // 2
}

// =============================================================================
// Marshalling
// =============================================================================

// Marshal encodes the envelope in protobuf wire format.
func Marshal(env *Envelope) ([]byte, error) {
	var b []byte

	if env.ID != 0 {
		b = protowire.AppendTag(b, fieldID, protowire.VarintType)
		b = protowire.AppendVarint(b, env.ID)
	}

	set := 0
	for _, p := range []bool{
		env.Auth != nil, env.AuthResp != nil, env.Ingest != nil,
		env.IngestAck != nil, env.Query != nil, env.QueryResult != nil,
		env.Flush != nil, env.FlushResult != nil, env.Keys != nil,
		env.KeysResult != nil, env.Ping != nil, env.Pong != nil,
		env.Error != nil,
	} {
		if p {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("envelope must carry exactly one payload, has %d", set)
	}

	appendPayload := func(num protowire.Number, body []byte) {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}

	switch {
	case env.Auth != nil:
		appendPayload(fieldAuth, appendString(nil, 1, env.Auth.Token))
	case env.AuthResp != nil:
		body := appendBool(nil, 1, env.AuthResp.OK)
		body = appendString(body, 2, env.AuthResp.Message)
		appendPayload(fieldAuthResp, body)
	case env.Ingest != nil:
		var body []byte
		for i := range env.Ingest.Samples {
			body = appendMessage(body, 1, appendSample(nil, &env.Ingest.Samples[i]))
		}
		appendPayload(fieldIngest, body)
	case env.IngestAck != nil:
		body := appendUint32(nil, 1, env.IngestAck.Accepted)
		for i := range env.IngestAck.Rejected {
			r := &env.IngestAck.Rejected[i]
			rb := appendUint32(nil, 1, r.Index)
			rb = appendInt32(rb, 2, r.Code)
			rb = appendString(rb, 3, r.Message)
			body = appendMessage(body, 2, rb)
		}
		appendPayload(fieldIngestAck, body)
	case env.Query != nil:
		body := appendString(nil, 1, env.Query.Key)
		body = appendInt64(body, 2, env.Query.StartMs)
		body = appendInt64(body, 3, env.Query.EndMs)
		body = appendUint32(body, 4, env.Query.Limit)
		appendPayload(fieldQuery, body)
	case env.QueryResult != nil:
		var body []byte
		for i := range env.QueryResult.Windows {
			body = appendMessage(body, 1, appendWindow(nil, &env.QueryResult.Windows[i]))
		}
		appendPayload(fieldQueryResult, body)
	case env.Flush != nil:
		body := appendString(nil, 1, env.Flush.Key)
		body = appendInt64(body, 2, env.Flush.WindowStartMs)
		appendPayload(fieldFlush, body)
	case env.FlushResult != nil:
		body := appendBool(nil, 1, env.FlushResult.Found)
		if env.FlushResult.Window != nil {
			body = appendMessage(body, 2, appendWindow(nil, env.FlushResult.Window))
		}
		appendPayload(fieldFlushResult, body)
	case env.Keys != nil:
		appendPayload(fieldKeys, nil)
	case env.KeysResult != nil:
		var body []byte
		for _, k := range env.KeysResult.Keys {
			body = appendString(body, 1, k)
		}
		appendPayload(fieldKeysResult, body)
	case env.Ping != nil:
		appendPayload(fieldPing, nil)
	case env.Pong != nil:
		appendPayload(fieldPong, nil)
	case env.Error != nil:
		body := appendInt32(nil, 1, env.Error.Code)
		body = appendString(body, 2, env.Error.Message)
		appendPayload(fieldError, body)
	}

	return b, nil
}

func appendSample(b []byte, s *types.Sample) []byte {
	b = appendString(b, 1, s.Name)
	b = appendDouble(b, 2, s.Value)
	b = appendInt64(b, 3, s.TimestampMs)
	for k, v := range s.Tags {
		tb := appendString(nil, 1, k)
		tb = appendString(tb, 2, v)
		b = appendMessage(b, 4, tb)
	}
	return b
}

func appendWindow(b []byte, w *types.WindowAggregate) []byte {
	b = appendString(b, 1, string(w.Key))
	b = appendInt64(b, 2, w.WindowStart)
	b = appendInt64(b, 3, w.WindowEnd)
	b = appendInt64(b, 4, w.Count)
	b = appendDouble(b, 5, w.Sum)
	b = appendDouble(b, 6, w.Min)
	b = appendDouble(b, 7, w.Max)
	b = appendDouble(b, 8, w.Avg)
	if w.HasPercentiles() {
		b = appendBool(b, 9, true)
		b = appendDouble(b, 10, *w.P50)
		b = appendDouble(b, 11, *w.P90)
		b = appendDouble(b, 12, *w.P95)
		b = appendDouble(b, 13, *w.P99)
	}
	b = appendInt64(b, 14, w.FirstTs)
	b = appendInt64(b, 15, w.LastTs)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(uint32(v)))
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// =============================================================================
// Unmarshalling
// =============================================================================

// Unmarshal decodes an envelope from protobuf wire format. Unknown
// fields are skipped for forward compatibility.
func Unmarshal(data []byte) (*Envelope, error) {
	env := &Envelope{}
	payloads := 0

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.NewMalformed("bad tag")
		}
		data = data[n:]

		if num == fieldID && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.NewMalformed("bad id")
			}
			env.ID = v
			data = data[n:]
			continue
		}

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.NewMalformed("bad field")
			}
			data = data[n:]
			continue
		}

		body, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, errors.NewMalformed("bad payload")
		}
		data = data[n:]

		var err error
		switch num {
		case fieldAuth:
			env.Auth, err = parseAuth(body)
		case fieldAuthResp:
			env.AuthResp, err = parseAuthResp(body)
		case fieldIngest:
			env.Ingest, err = parseIngest(body)
		case fieldIngestAck:
			env.IngestAck, err = parseIngestAck(body)
		case fieldQuery:
			env.Query, err = parseQuery(body)
		case fieldQueryResult:
			env.QueryResult, err = parseQueryResult(body)
		case fieldFlush:
			env.Flush, err = parseFlush(body)
		case fieldFlushResult:
			env.FlushResult, err = parseFlushResult(body)
		case fieldKeys:
			env.Keys = &Keys{}
		case fieldKeysResult:
			env.KeysResult, err = parseKeysResult(body)
		case fieldPing:
			env.Ping = &Ping{}
		case fieldPong:
			env.Pong = &Pong{}
		case fieldError:
			env.Error, err = parseError(body)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		payloads++
	}

	if payloads != 1 {
		return nil, errors.NewMalformed(fmt.Sprintf("envelope must carry exactly one payload, has %d", payloads))
	}

	return env, nil
}

type fieldScanner struct {
	data []byte
	err  error
}

// next yields the next field; returns false at end of message or on a
// decode error (recorded in err).
func (fs *fieldScanner) next() (protowire.Number, protowire.Type, []byte, uint64, bool) {
	if len(fs.data) == 0 || fs.err != nil {
		return 0, 0, nil, 0, false
	}

	num, typ, n := protowire.ConsumeTag(fs.data)
	if n < 0 {
		fs.err = errors.NewMalformed("bad tag")
		return 0, 0, nil, 0, false
	}
	fs.data = fs.data[n:]

	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(fs.data)
		if n < 0 {
			fs.err = errors.NewMalformed("bad varint")
			return 0, 0, nil, 0, false
		}
		fs.data = fs.data[n:]
		return num, typ, nil, v, true
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(fs.data)
		if n < 0 {
			fs.err = errors.NewMalformed("bad fixed64")
			return 0, 0, nil, 0, false
		}
		fs.data = fs.data[n:]
		return num, typ, nil, v, true
	case protowire.BytesType:
		b, n := protowire.ConsumeBytes(fs.data)
		if n < 0 {
			fs.err = errors.NewMalformed("bad bytes")
			return 0, 0, nil, 0, false
		}
		fs.data = fs.data[n:]
		return num, typ, b, 0, true
	default:
		n := protowire.ConsumeFieldValue(num, typ, fs.data)
		if n < 0 {
			fs.err = errors.NewMalformed("bad field")
			return 0, 0, nil, 0, false
		}
		fs.data = fs.data[n:]
		return num, typ, nil, 0, true
	}
}

func parseAuth(body []byte) (*Auth, error) {
	m := &Auth{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, _, ok := fs.next()
		if !ok {
			break
		}
		if num == 1 && typ == protowire.BytesType {
			m.Token = string(b)
		}
	}
	return m, fs.err
}

func parseAuthResp(body []byte) (*AuthResp, error) {
	m := &AuthResp{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, v, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			m.OK = v != 0
		case num == 2 && typ == protowire.BytesType:
			m.Message = string(b)
		}
	}
	return m, fs.err
}

func parseIngest(body []byte) (*Ingest, error) {
	m := &Ingest{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, _, ok := fs.next()
		if !ok {
			break
		}
		if num == 1 && typ == protowire.BytesType {
			s, err := parseSample(b)
			if err != nil {
				return nil, err
			}
			m.Samples = append(m.Samples, s)
		}
	}
	return m, fs.err
}

func parseSample(body []byte) (types.Sample, error) {
	var s types.Sample
	fs := fieldScanner{data: body}
	for {
		num, typ, b, v, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			s.Name = string(b)
		case num == 2 && typ == protowire.Fixed64Type:
			s.Value = math.Float64frombits(v)
		case num == 3 && typ == protowire.VarintType:
			s.TimestampMs = int64(v)
		case num == 4 && typ == protowire.BytesType:
			k, val, err := parseTag(b)
			if err != nil {
				return s, err
			}
			if s.Tags == nil {
				s.Tags = make(map[string]string)
			}
			s.Tags[k] = val
		}
	}
	return s, fs.err
}

func parseTag(body []byte) (string, string, error) {
	var k, v string
	fs := fieldScanner{data: body}
	for {
		num, typ, b, _, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			k = string(b)
		case num == 2 && typ == protowire.BytesType:
			v = string(b)
		}
	}
	return k, v, fs.err
}

func parseIngestAck(body []byte) (*IngestAck, error) {
	m := &IngestAck{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, v, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			m.Accepted = uint32(v)
		case num == 2 && typ == protowire.BytesType:
			r, err := parseRejection(b)
			if err != nil {
				return nil, err
			}
			m.Rejected = append(m.Rejected, r)
		}
	}
	return m, fs.err
}

func parseRejection(body []byte) (Rejection, error) {
	var r Rejection
	fs := fieldScanner{data: body}
	for {
		num, typ, b, v, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			r.Index = uint32(v)
		case num == 2 && typ == protowire.VarintType:
			r.Code = int32(uint32(v))
		case num == 3 && typ == protowire.BytesType:
			r.Message = string(b)
		}
	}
	return r, fs.err
}

func parseQuery(body []byte) (*Query, error) {
	m := &Query{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, v, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.Key = string(b)
		case num == 2 && typ == protowire.VarintType:
			m.StartMs = int64(v)
		case num == 3 && typ == protowire.VarintType:
			m.EndMs = int64(v)
		case num == 4 && typ == protowire.VarintType:
			m.Limit = uint32(v)
		}
	}
	return m, fs.err
}

func parseQueryResult(body []byte) (*QueryResult, error) {
	m := &QueryResult{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, _, ok := fs.next()
		if !ok {
			break
		}
		if num == 1 && typ == protowire.BytesType {
			w, err := parseWindow(b)
			if err != nil {
				return nil, err
			}
			m.Windows = append(m.Windows, w)
		}
	}
	return m, fs.err
}

func parseWindow(body []byte) (types.WindowAggregate, error) {
	var w types.WindowAggregate
	var hasPct bool
	var p50, p90, p95, p99 float64

	fs := fieldScanner{data: body}
	for {
		num, typ, b, v, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			w.Key = types.MetricKey(b)
		case num == 2 && typ == protowire.VarintType:
			w.WindowStart = int64(v)
		case num == 3 && typ == protowire.VarintType:
			w.WindowEnd = int64(v)
		case num == 4 && typ == protowire.VarintType:
			w.Count = int64(v)
		case num == 5 && typ == protowire.Fixed64Type:
			w.Sum = math.Float64frombits(v)
		case num == 6 && typ == protowire.Fixed64Type:
			w.Min = math.Float64frombits(v)
		case num == 7 && typ == protowire.Fixed64Type:
			w.Max = math.Float64frombits(v)
		case num == 8 && typ == protowire.Fixed64Type:
			w.Avg = math.Float64frombits(v)
		case num == 9 && typ == protowire.VarintType:
			hasPct = v != 0
		case num == 10 && typ == protowire.Fixed64Type:
			p50 = math.Float64frombits(v)
		case num == 11 && typ == protowire.Fixed64Type:
			p90 = math.Float64frombits(v)
		case num == 12 && typ == protowire.Fixed64Type:
			p95 = math.Float64frombits(v)
		case num == 13 && typ == protowire.Fixed64Type:
			p99 = math.Float64frombits(v)
		case num == 14 && typ == protowire.VarintType:
			w.FirstTs = int64(v)
		case num == 15 && typ == protowire.VarintType:
			w.LastTs = int64(v)
		}
	}
	if hasPct {
		w.SetPercentiles(p50, p90, p95, p99)
	}
	return w, fs.err
}

func parseFlush(body []byte) (*Flush, error) {
	m := &Flush{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, v, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			m.Key = string(b)
		case num == 2 && typ == protowire.VarintType:
			m.WindowStartMs = int64(v)
		}
	}
	return m, fs.err
}

func parseFlushResult(body []byte) (*FlushResult, error) {
	m := &FlushResult{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, v, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			m.Found = v != 0
		case num == 2 && typ == protowire.BytesType:
			w, err := parseWindow(b)
			if err != nil {
				return nil, err
			}
			m.Window = &w
		}
	}
	return m, fs.err
}

func parseKeysResult(body []byte) (*KeysResult, error) {
	m := &KeysResult{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, _, ok := fs.next()
		if !ok {
			break
		}
		if num == 1 && typ == protowire.BytesType {
			m.Keys = append(m.Keys, string(b))
		}
	}
	return m, fs.err
}

func parseError(body []byte) (*Error, error) {
	m := &Error{}
	fs := fieldScanner{data: body}
	for {
		num, typ, b, v, ok := fs.next()
		if !ok {
			break
		}
		switch {
		case num == 1 && typ == protowire.VarintType:
			m.Code = int32(uint32(v))
		case num == 2 && typ == protowire.BytesType:
			m.Message = string(b)
		}
	}
	return m, fs.err
}
