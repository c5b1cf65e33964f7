package encoding

import "testing"

func TestDecodeBestEffort_UTF8(t *testing.T) {
	res, err := DecodeBestEffort([]byte("hello world"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Encoding != "utf-8" {
		t.Fatalf("expected utf-8, got %s", res.Encoding)
	}
	if res.Text != "hello world" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
}

func TestDecodeBestEffort_GBK(t *testing.T) {
	// "你好" encoded as GBK bytes.
	gbkBytes := []byte{0xc4, 0xe3, 0xba, 0xc3}
	res, err := DecodeBestEffort(gbkBytes, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Encoding != "gbk" {
		t.Fatalf("expected gbk, got %s", res.Encoding)
	}
	if res.Text != "你好" {
		t.Fatalf("unexpected text: %q", res.Text)
	}
}

func TestDecodeBestEffort_HintTakesPrecedence(t *testing.T) {
	gbkBytes := []byte{0xc4, 0xe3, 0xba, 0xc3}
	res, err := DecodeBestEffort(gbkBytes, "gbk")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Encoding != "gbk" {
		t.Fatalf("expected gbk via hint, got %s", res.Encoding)
	}
}

func TestDecodeBestEffort_InvalidBinaryIsNotMislabeledGBK(t *testing.T) {
	// Invalid UTF-8, and a byte sequence the lenient GBK decoder can only
	// render by substituting U+FFFD throughout — this must not be accepted
	// as "gbk"; it should fall through to the statistical detector and, for
	// a sample this small and incoherent, ultimately fail rather than be
	// mislabeled.
	garbage := []byte{0xff, 0xfe, 0x00, 0x01, 0x02, 0x03, 0xff, 0xff, 0xfe, 0xfe}
	res, err := DecodeBestEffort(garbage, "")
	if err == nil && res.Encoding == "gbk" {
		t.Fatalf("expected garbage bytes not to be accepted as gbk, got %q", res.Text)
	}
}

func TestReplacementRatio_AllGoodRunesIsZero(t *testing.T) {
	if ratio := replacementRatio("hello"); ratio != 0 {
		t.Fatalf("expected 0 ratio for clean text, got %v", ratio)
	}
}

func TestReplacementRatio_AllReplacedIsOne(t *testing.T) {
	s := string([]rune{0xFFFD, 0xFFFD, 0xFFFD})
	if ratio := replacementRatio(s); ratio != 1 {
		t.Fatalf("expected 1.0 ratio, got %v", ratio)
	}
}
