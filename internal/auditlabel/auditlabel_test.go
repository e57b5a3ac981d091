package auditlabel

import "testing"

func TestSplitQualifiedName(t *testing.T) {
	schema, name, err := splitQualifiedName("audit.label_last_transaction")
	if err != nil {
		t.Fatalf("splitQualifiedName: %v", err)
	}
	if schema != "audit" || name != "label_last_transaction" {
		t.Fatalf("schema=%q name=%q", schema, name)
	}
}

func TestSplitQualifiedNameRejectsUnqualified(t *testing.T) {
	if _, _, err := splitQualifiedName("label_last_transaction"); err == nil {
		t.Fatal("expected error for unqualified name")
	}
}

func TestLabelerNilIsNotPresent(t *testing.T) {
	var l *Labeler
	if l.Present() {
		t.Fatal("nil Labeler should not report present")
	}
}

func TestLabelIsNoOpWhenAbsent(t *testing.T) {
	l := &Labeler{function: DefaultFunction, present: false}
	if err := l.Label(nil, nil, "tx-label"); err != nil {
		t.Fatalf("Label on absent extension should be a no-op: %v", err)
	}
}
