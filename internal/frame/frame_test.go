package frame

import "testing"

func TestFromRecords(t *testing.T) {
	f, err := FromRecords([]string{"a", "b"}, [][]string{{"1", "x"}, {"2", "y,z"}})
	if err != nil {
		t.Fatal(err)
	}
	if f.TypeName() != GoTypeName {
		t.Errorf("TypeName() = %q, want %q", f.TypeName(), GoTypeName)
	}
	want := "a,b\n1,x\n2,\"y,z\"\n"
	if string(f.Data) != want {
		t.Errorf("Data = %q, want %q", f.Data, want)
	}
	if f.Len() != 2 {
		t.Errorf("Len() = %d, want 2", f.Len())
	}

	rows, err := f.Records()
	if err != nil {
		t.Fatal(err)
	}
	if rows[1][1] != "y,z" {
		t.Errorf("rows[1][1] = %q, want %q", rows[1][1], "y,z")
	}
}

func TestFromRecordsRaggedRow(t *testing.T) {
	if _, err := FromRecords([]string{"a", "b"}, [][]string{{"1"}}); err == nil {
		t.Error("expected error for ragged row")
	}
}

func TestTypeNameOrigin(t *testing.T) {
	f := &Frame{Origin: "pandas.core.frame.DataFrame"}
	if f.TypeName() != "pandas.core.frame.DataFrame" {
		t.Errorf("TypeName() = %q", f.TypeName())
	}
}
