package postgres

import (
	"testing"

	"tickermetrics/config"
)

func TestBuildConnString(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DBConfig
		want string
	}{
		{
			name: "basic",
			cfg:  config.DBConfig{Host: "localhost", Port: 5432, Name: "prices", User: "reader", Password: "pw", SSLMode: "disable"},
			want: "postgres://reader:pw@localhost:5432/prices?sslmode=disable",
		},
		{
			name: "default sslmode and port",
			cfg:  config.DBConfig{Host: "db", Name: "prices", User: "reader", Password: "pw"},
			want: "postgres://reader:pw@db:5432/prices?sslmode=prefer",
		},
		{
			name: "escaped password",
			cfg:  config.DBConfig{Host: "db", Port: 6543, Name: "prices", User: "reader", Password: "p@ss/w:rd"},
			want: "postgres://reader:p%40ss%2Fw%3Ard@db:6543/prices?sslmode=prefer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildConnString(tt.cfg); got != tt.want {
				t.Errorf("BuildConnString() = %q, want %q", got, tt.want)
			}
		})
	}
}
