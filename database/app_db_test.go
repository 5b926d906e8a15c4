package database

import (
	"context"
	"testing"
)

func TestDriverFor(t *testing.T) {
	cases := []struct {
		url, driver, dsn string
	}{
		{"postgres://u:p@localhost:5432/wa?sslmode=disable", "postgres", "postgres://u:p@localhost:5432/wa?sslmode=disable"},
		{"mysql://u:p@tcp(localhost:3306)/wa", "mysql", "u:p@tcp(localhost:3306)/wa?parseTime=true"},
		{"mysql://u:p@tcp(localhost:3306)/wa?charset=utf8mb4", "mysql", "u:p@tcp(localhost:3306)/wa?charset=utf8mb4&parseTime=true"},
		{"mysql://u:p@tcp(db)/wa?parseTime=false", "mysql", "u:p@tcp(db)/wa?parseTime=false"},
	}
	for _, tc := range cases {
		driver, dsn := DriverFor(tc.url)
		if driver != tc.driver || dsn != tc.dsn {
			t.Errorf("DriverFor(%q) = %q %q, want %q %q", tc.url, driver, dsn, tc.driver, tc.dsn)
		}
	}
}

func TestOpenAppDBRequiresURL(t *testing.T) {
	if _, _, err := OpenAppDB(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}
