package models

import "time"

// AuditTable is the append-only lookup log.
const AuditTable = "weather_searches"

// AuditRecord is one row of the lookup log. Rows are inserted once and never
// updated by this service.
type AuditRecord struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	CityName           string    `gorm:"column:city_name;type:varchar(100);not null" json:"city_name"`
	Country            string    `gorm:"column:country;type:varchar(10)" json:"country"`
	Latitude           float64   `gorm:"column:latitude;type:decimal(10,6)" json:"latitude"`
	Longitude          float64   `gorm:"column:longitude;type:decimal(10,6)" json:"longitude"`
	Temperature        float64   `gorm:"column:temperature;type:decimal(5,2)" json:"temperature"`
	FeelsLike          float64   `gorm:"column:feels_like;type:decimal(5,2)" json:"feels_like"`
	Humidity           int       `gorm:"column:humidity" json:"humidity"`
	Pressure           int       `gorm:"column:pressure" json:"pressure"`
	WeatherMain        string    `gorm:"column:weather_main;type:varchar(50)" json:"weather_main"`
	WeatherDescription string    `gorm:"column:weather_description;type:varchar(100)" json:"weather_description"`
	WindSpeed          float64   `gorm:"column:wind_speed;type:decimal(5,2)" json:"wind_speed"`
	SearchedAt         time.Time `gorm:"column:searched_at;default:CURRENT_TIMESTAMP" json:"searched_at"`

	// Columns added after the first release; see schema migrations.
	Cached         bool `gorm:"column:cached;default:false" json:"cached"`
	ResponseTimeMs *int `gorm:"column:response_time_ms" json:"response_time_ms"`
}

func (AuditRecord) TableName() string {
	return AuditTable
}

// NewAuditRecord builds the log row for a served observation.
func NewAuditRecord(obs WeatherObservation, at time.Time) AuditRecord {
	ms := int(obs.ResponseTimeMs)
	return AuditRecord{
		CityName:           obs.City,
		Country:            obs.Country,
		Latitude:           obs.Coordinates.Lat,
		Longitude:          obs.Coordinates.Lon,
		Temperature:        obs.Temperature,
		FeelsLike:          obs.FeelsLike,
		Humidity:           obs.Humidity,
		Pressure:           obs.Pressure,
		WeatherMain:        obs.Weather.Main,
		WeatherDescription: obs.Weather.Description,
		WindSpeed:          obs.Wind.Speed,
		SearchedAt:         at.UTC(),
		Cached:             obs.Cached,
		ResponseTimeMs:     &ms,
	}
}
