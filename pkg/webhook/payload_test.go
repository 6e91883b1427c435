package webhook

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestMaskFields(t *testing.T) {
	doc := bson.M{
		"name": "alice",
		"address": bson.M{
			"city": "springfield",
			"zip":  "00000",
		},
		"ssn": "123-45-6789",
	}

	masked := maskFields(doc, []string{"ssn", "address.zip"})

	if _, ok := masked["ssn"]; ok {
		t.Error("ssn should have been removed")
	}
	addr, ok := masked["address"].(bson.M)
	if !ok {
		t.Fatalf("address should still be a bson.M, got %T", masked["address"])
	}
	if _, ok := addr["zip"]; ok {
		t.Error("address.zip should have been removed")
	}
	if addr["city"] != "springfield" {
		t.Errorf("address.city = %v, want unchanged", addr["city"])
	}

	if doc["ssn"] != "123-45-6789" {
		t.Error("maskFields must not mutate the source document")
	}
}

func TestMaskFields_NoExclusions(t *testing.T) {
	doc := bson.M{"name": "bob"}
	masked := maskFields(doc, nil)
	if masked["name"] != "bob" {
		t.Errorf("name = %v, want bob", masked["name"])
	}
}

func TestMaskFields_NilDoc(t *testing.T) {
	if got := maskFields(nil, []string{"x"}); got != nil {
		t.Errorf("maskFields(nil, ...) = %v, want nil", got)
	}
}

func TestRemovePath_UnknownPath(t *testing.T) {
	doc := bson.M{"a": bson.M{"b": 1}}
	removePath(doc, "a.c.d")
	if _, ok := doc["a"].(bson.M)["b"]; !ok {
		t.Error("unrelated field should survive an unknown nested path")
	}
}
