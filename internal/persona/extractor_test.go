package persona

import (
	"testing"

	"github.com/nidhogg/ris/internal/textnorm"
)

func names(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.SurfaceName
	}
	return out
}

func TestExtract(t *testing.T) {
	ex := NewExtractor(DefaultTables(), nil)
	tests := []struct {
		name string
		text string
		want []Candidate
	}{
		{"colleague by trip", "今天和张三一起去北京出差，心情很好！",
			[]Candidate{{Span: Span{2, 4}, SurfaceName: "张三", RelationshipHint: RelationColleague}}},
		{"no keyword", "和李四一起吃饭",
			[]Candidate{{Span: Span{1, 3}, SurfaceName: "李四", RelationshipHint: RelationUnknown}}},
		{"two given characters", "我妈妈和王小明去公园",
			[]Candidate{{Span: Span{3, 6}, SurfaceName: "王小明", RelationshipHint: RelationFamily}}},
		{"familiar prefix", "小王来了",
			[]Candidate{{Span: Span{0, 2}, SurfaceName: "小王", RelationshipHint: RelationUnknown}}},
		{"latin full name", "Had lunch with John Smith and my boss today.",
			[]Candidate{{Span: Span{3, 5}, SurfaceName: "John Smith", RelationshipHint: RelationColleague}}},
		{"nearest keyword", "My friend Alice met my boss",
			[]Candidate{{Span: Span{2, 3}, SurfaceName: "Alice", RelationshipHint: RelationFriend}}},
		{"tie goes to first keyword", "boss Alice friend",
			[]Candidate{{Span: Span{1, 2}, SurfaceName: "Alice", RelationshipHint: RelationColleague}}},
		{"measure word", "这张桌子很好", nil},
		{"relationship word alone", "Mom called me", nil},
		{"verb after name", "今天跟同事李娜吵架了",
			[]Candidate{{Span: Span{3, 5}, SurfaceName: "李娜", RelationshipHint: RelationColleague}}},
		{"name at start", "李娜请我吃饭，很开心",
			[]Candidate{{Span: Span{0, 2}, SurfaceName: "李娜", RelationshipHint: RelationUnknown}}},
		{"place name", "周末和朋友去黄山玩", nil},
		{"common word", "林间散步很舒服", nil},
		{"holiday", "黄金周和家人去旅游", nil},
		{"sentence-initial noun", "Lunch with Bob",
			[]Candidate{{Span: Span{2, 3}, SurfaceName: "Bob", RelationshipHint: RelationUnknown}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ex.Extract(tt.text)
			if len(got) != len(tt.want) {
				t.Fatalf("Extract(%q) = %v, want %v", tt.text, names(got), names(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("candidate %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestGivenNameStopsBeforeWord(t *testing.T) {
	// Single-character tokens, as a tokenizer without the word produces.
	tokens := textnorm.NewTokenizer().Tokenize("李娜吵架了")

	got := NewChineseNameRecognizer(DefaultTables(), textnorm.NewTokenizer([]string{"吵架"})).Recognize(tokens)
	if len(got) != 1 || got[0] != (Span{0, 2}) {
		t.Errorf("spans = %v, want [{0 2}]", got)
	}
	got = NewChineseNameRecognizer(DefaultTables(), nil).Recognize(tokens)
	if len(got) != 1 || got[0] != (Span{0, 3}) {
		t.Errorf("spans without vocabulary = %v, want [{0 3}]", got)
	}
}

func TestExtractDedup(t *testing.T) {
	ex := NewExtractor(DefaultTables(), nil)
	got := ex.Extract("张三说张三很好")
	if len(got) != 1 || got[0].SurfaceName != "张三" {
		t.Fatalf("Extract = %v, want one 张三", names(got))
	}
}

func TestExtractOutsideWindow(t *testing.T) {
	ex := NewExtractor(DefaultTables(), nil)
	got := ex.Extract("Alice and I went out for a long walk with my boss")
	if len(got) != 1 || got[0].RelationshipHint != RelationUnknown {
		t.Fatalf("Extract = %+v, want Alice with unknown hint", got)
	}
}

func TestExtractGazetteer(t *testing.T) {
	tables := DefaultTables()
	tables.Gazetteer = []string{"诸葛亮", "de la Cruz"}
	ex := NewExtractor(tables, nil)
	got := ex.Extract("昨天和诸葛亮聊天")
	if len(got) != 1 || got[0].SurfaceName != "诸葛亮" {
		t.Fatalf("Extract = %v, want [诸葛亮]", names(got))
	}
	got = ex.Extract("dinner with de la Cruz")
	if len(got) != 1 || got[0].SurfaceName != "de la Cruz" {
		t.Fatalf("Extract = %v, want [de la Cruz]", names(got))
	}
}

func TestParseTablesRejectsUnknownType(t *testing.T) {
	_, err := ParseTables([]byte("relationships:\n  enemy: [foe]\n"))
	if err == nil {
		t.Fatal("expected error for unknown relationship type")
	}
}
