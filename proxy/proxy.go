// Package proxy owns the shared proxy inventory: health, scoring and
// checkout arbitration under concurrent demand.
package proxy

import (
	"fmt"
	"time"
)

// Protocol of a proxy endpoint.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Status of a proxy.
type Status string

const (
	StatusUntested Status = "untested"
	StatusAlive    Status = "alive"
	StatusDead     Status = "dead"
)

// Proxy is one entry in the pool. Mutated only through pool operations;
// callers receive it checked out and must not modify it.
type Proxy struct {
	ID       string   `gorm:"primaryKey" json:"id"`
	Host     string   `gorm:"index:idx_proxy_addr,unique" json:"host"`
	Port     int      `gorm:"index:idx_proxy_addr,unique" json:"port"`
	Protocol Protocol `gorm:"index:idx_proxy_addr,unique" json:"protocol"`
	Country  string   `json:"country,omitempty"`
	Source   string   `json:"source,omitempty"`

	Status Status `gorm:"index" json:"status"`
	// Score is an exponentially decayed success rate in [0,1].
	Score         float64       `json:"score"`
	Latency       time.Duration `json:"latency"`
	UseCount      int64         `json:"use_count"`
	FailStreak    int           `json:"fail_streak"`
	LastCheckedAt time.Time     `json:"last_checked_at"`
	LastUsedAt    time.Time     `json:"last_used_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Proxy) TableName() string { return "proxies" }

// Addr returns host:port.
func (p *Proxy) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// URL returns the proxy URL, e.g. socks5://1.2.3.4:1080.
func (p *Proxy) URL() string {
	return fmt.Sprintf("%s://%s:%d", p.Protocol, p.Host, p.Port)
}

// key identifies a proxy endpoint for dedup on import.
func (p *Proxy) key() string {
	return fmt.Sprintf("%s|%s:%d", p.Protocol, p.Host, p.Port)
}

func (p *Proxy) clone() *Proxy {
	out := *p
	return &out
}
