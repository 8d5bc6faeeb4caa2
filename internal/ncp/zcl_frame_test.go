package ncp

import (
	"bytes"
	"testing"
)

func TestZCLHeaderManufacturerSpecific(t *testing.T) {
	frame := zclBuildWriteAttributes(9, 0x115F, []AttributeRecord{
		{AttrID: 0x000A, DataType: 0x20, Value: []byte{0x01}},
	})
	want := []byte{0x04, 0x5F, 0x11, 0x09, zclCmdWriteAttributes, 0x0A, 0x00, 0x20, 0x01}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %X, want %X", frame, want)
	}

	hdr, pos, err := parseZCLHeader(frame)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.MfrCode != 0x115F || hdr.Seq != 9 || hdr.Command != zclCmdWriteAttributes || pos != 5 {
		t.Errorf("header = %+v pos=%d", hdr, pos)
	}
}

func TestZCLHeaderStandard(t *testing.T) {
	frame := zclBuildReadAttributes(3, 0, []uint16{0x0004, 0x0005})
	want := []byte{0x00, 0x03, zclCmdReadAttributes, 0x04, 0x00, 0x05, 0x00}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %X, want %X", frame, want)
	}
}

func TestParseReportRecords(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x10, 0x01, // onOff bool true
		0x00, 0xF0, 0x23, 0x00, 0xE1, 0x91, 0x03, // 0xF000 uint32
		0x05, 0x00, 0x42, 0x03, 'a', 'b', 'c', // string
	}
	recs := parseReportRecords(data)
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	if recs[0].AttrID != 0x0000 || recs[0].DataType != 0x10 || !bytes.Equal(recs[0].Value, []byte{0x01}) {
		t.Errorf("rec0 = %+v", recs[0])
	}
	if recs[1].AttrID != 0xF000 || len(recs[1].Value) != 4 {
		t.Errorf("rec1 = %+v", recs[1])
	}
	if !bytes.Equal(recs[2].Value, []byte{0x03, 'a', 'b', 'c'}) {
		t.Errorf("rec2 value = %X", recs[2].Value)
	}
}

func TestParseReportRecordsStopsOnUnknownType(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x10, 0x01,
		0x01, 0x00, 0x4C, 0x02, 0x00, // struct: unsupported
	}
	if recs := parseReportRecords(data); len(recs) != 1 {
		t.Errorf("records = %d, want 1", len(recs))
	}
}

func TestParseAttributeResponses(t *testing.T) {
	data := []byte{
		0x05, 0x00, 0x00, 0x42, 0x02, 'o', 'k', // modelId success
		0x04, 0x00, zclStatusUnsupportedAttrib, // manufacturerName unsupported
	}
	rsps := parseAttributeResponses(data)
	if len(rsps) != 2 {
		t.Fatalf("responses = %d, want 2", len(rsps))
	}
	if rsps[0].AttrID != 0x0005 || rsps[0].Status != 0 || !bytes.Equal(rsps[0].Value, []byte{0x02, 'o', 'k'}) {
		t.Errorf("rsp0 = %+v", rsps[0])
	}
	if rsps[1].Status != zclStatusUnsupportedAttrib || rsps[1].Value != nil {
		t.Errorf("rsp1 = %+v", rsps[1])
	}
}

func TestConfigureReportingPadsChange(t *testing.T) {
	frame := zclBuildConfigureReporting(1, ConfigureReportingRequest{
		AttrID: 0x0000, DataType: 0x29, MinInterval: 10, MaxInterval: 300, ReportChange: []byte{0x05},
	})
	// header(3) + dir(1) + attr(2) + type(1) + min(2) + max(2) + change(2)
	if len(frame) != 13 {
		t.Fatalf("len = %d, want 13", len(frame))
	}

	discrete := zclBuildConfigureReporting(1, ConfigureReportingRequest{AttrID: 0x0000, DataType: 0x10})
	if len(discrete) != 11 {
		t.Errorf("discrete len = %d, want 11", len(discrete))
	}
}

func TestBuildAPSDEDataReq(t *testing.T) {
	data := []byte{0xAA, 0xBB}
	buf := buildAPSDEDataReq(0x1234, 2, 1, 0xFCC0, zclProfileHA, 30, data)
	if len(buf) != 26 {
		t.Fatalf("len = %d", len(buf))
	}
	if buf[0] != 21 || buf[1] != 2 || buf[3] != 0x34 || buf[4] != 0x12 {
		t.Errorf("header = %X", buf[:5])
	}
	if buf[13] != 0xC0 || buf[14] != 0xFC || buf[15] != 2 || buf[18] != zbossAddrModeShort {
		t.Errorf("addressing = %X", buf[11:19])
	}
	if !bytes.Equal(buf[24:], data) {
		t.Errorf("data = %X", buf[24:])
	}
}
