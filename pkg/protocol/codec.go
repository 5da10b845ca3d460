package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// encoder appends protobuf fields. Zero scalars are omitted, as proto3 does.
type encoder []byte

func (e *encoder) str(num protowire.Number, v string) {
	if v == "" {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendString(*e, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, v)
}

func (e *encoder) varint(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	*e = protowire.AppendTag(*e, num, protowire.VarintType)
	*e = protowire.AppendVarint(*e, v)
}

func (e *encoder) message(num protowire.Number, b []byte) {
	*e = protowire.AppendTag(*e, num, protowire.BytesType)
	*e = protowire.AppendBytes(*e, b)
}

// fieldFunc decodes one field value from b and returns the bytes consumed.
// Returning 0 leaves the field to be skipped as unknown.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decode(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

func consumeVarint[T ~int32 | ~int64](typ protowire.Type, b []byte, dst *T) (int, error) {
	if typ != protowire.VarintType {
		return 0, nil
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = T(v)
	return n, nil
}

// consumeMessage hands the embedded message bytes to fn.
func consumeMessage(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, nil
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := fn(v); err != nil {
		return 0, err
	}
	return n, nil
}

// --- ConfigInfo ---------------------------------------------------------------

func (m *ConfigInfo) Marshal() []byte {
	var e encoder
	e.str(1, m.Name)
	e.varint(2, uint64(m.Version))
	e.str(3, m.Context)
	return e
}

func (m *ConfigInfo) Unmarshal(b []byte) error {
	*m = ConfigInfo{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Name)
		case 2:
			return consumeVarint(typ, b, &m.Version)
		case 3:
			return consumeString(typ, b, &m.Context)
		}
		return 0, nil
	})
}

// --- ConfigCheckResult --------------------------------------------------------

func (m *ConfigCheckResult) Marshal() []byte {
	var e encoder
	e.str(1, m.Name)
	e.varint(2, uint64(m.OldVersion))
	e.varint(3, uint64(m.NewVersion))
	e.varint(4, uint64(int64(m.Status)))
	e.str(5, m.Context)
	return e
}

func (m *ConfigCheckResult) Unmarshal(b []byte) error {
	*m = ConfigCheckResult{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Name)
		case 2:
			return consumeVarint(typ, b, &m.OldVersion)
		case 3:
			return consumeVarint(typ, b, &m.NewVersion)
		case 4:
			return consumeVarint(typ, b, &m.Status)
		case 5:
			return consumeString(typ, b, &m.Context)
		}
		return 0, nil
	})
}

// --- ConfigDetail -------------------------------------------------------------

func (m *ConfigDetail) Marshal() []byte {
	var e encoder
	e.str(1, m.Name)
	e.varint(2, uint64(m.Version))
	e.str(3, m.Context)
	e.bytes(4, m.Detail)
	return e
}

func (m *ConfigDetail) Unmarshal(b []byte) error {
	*m = ConfigDetail{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Name)
		case 2:
			return consumeVarint(typ, b, &m.Version)
		case 3:
			return consumeString(typ, b, &m.Context)
		case 4:
			return consumeBytes(typ, b, &m.Detail)
		}
		return 0, nil
	})
}

// --- HeartbeatRequest ---------------------------------------------------------

func (m *HeartbeatRequest) Marshal() []byte {
	var e encoder
	e.str(1, m.RequestID)
	e.str(2, m.AgentID)
	e.str(3, m.AgentType)
	e.str(4, m.Hostname)
	e.str(5, m.IP)
	for _, t := range m.Tags {
		e = protowire.AppendTag(e, 6, protowire.BytesType)
		e = protowire.AppendString(e, t)
	}
	e.str(7, m.RunningStatus)
	e.varint(8, uint64(m.StartupTime))
	e.varint(9, uint64(int64(m.Interval)))
	for i := range m.PipelineConfigs {
		e.message(10, m.PipelineConfigs[i].Marshal())
	}
	return e
}

func (m *HeartbeatRequest) Unmarshal(b []byte) error {
	*m = HeartbeatRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.RequestID)
		case 2:
			return consumeString(typ, b, &m.AgentID)
		case 3:
			return consumeString(typ, b, &m.AgentType)
		case 4:
			return consumeString(typ, b, &m.Hostname)
		case 5:
			return consumeString(typ, b, &m.IP)
		case 6:
			var tag string
			n, err := consumeString(typ, b, &tag)
			if n > 0 {
				m.Tags = append(m.Tags, tag)
			}
			return n, err
		case 7:
			return consumeString(typ, b, &m.RunningStatus)
		case 8:
			return consumeVarint(typ, b, &m.StartupTime)
		case 9:
			return consumeVarint(typ, b, &m.Interval)
		case 10:
			return consumeMessage(typ, b, func(v []byte) error {
				var info ConfigInfo
				if err := info.Unmarshal(v); err != nil {
					return fmt.Errorf("pipeline_configs: %w", err)
				}
				m.PipelineConfigs = append(m.PipelineConfigs, info)
				return nil
			})
		}
		return 0, nil
	})
}

// --- HeartbeatResponse --------------------------------------------------------

func (m *HeartbeatResponse) Marshal() []byte {
	var e encoder
	e.str(1, m.RequestID)
	e.varint(2, uint64(int64(m.Code)))
	e.str(3, m.Message)
	for i := range m.PipelineCheckResults {
		e.message(4, m.PipelineCheckResults[i].Marshal())
	}
	return e
}

func (m *HeartbeatResponse) Unmarshal(b []byte) error {
	*m = HeartbeatResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.RequestID)
		case 2:
			return consumeVarint(typ, b, &m.Code)
		case 3:
			return consumeString(typ, b, &m.Message)
		case 4:
			return consumeMessage(typ, b, func(v []byte) error {
				var res ConfigCheckResult
				if err := res.Unmarshal(v); err != nil {
					return fmt.Errorf("pipeline_check_results: %w", err)
				}
				m.PipelineCheckResults = append(m.PipelineCheckResults, res)
				return nil
			})
		}
		return 0, nil
	})
}

// --- FetchRequest -------------------------------------------------------------

func (m *FetchRequest) Marshal() []byte {
	var e encoder
	e.str(1, m.RequestID)
	e.str(2, m.AgentID)
	for i := range m.ReqConfigs {
		e.message(3, m.ReqConfigs[i].Marshal())
	}
	return e
}

func (m *FetchRequest) Unmarshal(b []byte) error {
	*m = FetchRequest{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.RequestID)
		case 2:
			return consumeString(typ, b, &m.AgentID)
		case 3:
			return consumeMessage(typ, b, func(v []byte) error {
				var info ConfigInfo
				if err := info.Unmarshal(v); err != nil {
					return fmt.Errorf("req_configs: %w", err)
				}
				m.ReqConfigs = append(m.ReqConfigs, info)
				return nil
			})
		}
		return 0, nil
	})
}

// --- FetchResponse ------------------------------------------------------------

func (m *FetchResponse) Marshal() []byte {
	var e encoder
	e.str(1, m.RequestID)
	e.varint(2, uint64(int64(m.Code)))
	e.str(3, m.Message)
	for i := range m.ConfigDetails {
		e.message(4, m.ConfigDetails[i].Marshal())
	}
	return e
}

func (m *FetchResponse) Unmarshal(b []byte) error {
	*m = FetchResponse{}
	return decode(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.RequestID)
		case 2:
			return consumeVarint(typ, b, &m.Code)
		case 3:
			return consumeString(typ, b, &m.Message)
		case 4:
			return consumeMessage(typ, b, func(v []byte) error {
				var d ConfigDetail
				if err := d.Unmarshal(v); err != nil {
					return fmt.Errorf("config_details: %w", err)
				}
				m.ConfigDetails = append(m.ConfigDetails, d)
				return nil
			})
		}
		return 0, nil
	})
}
