package scd

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"
)

// BirthDateFormat is the text form of a driver's birth date inside the
// personnel-number hash. Loads from different extractors must agree on it or
// the same driver resolves to different keys.
const BirthDateFormat = "2006-01-02"

// CarKey resolves a vehicle's natural key from its plate number. Source
// systems pad plates with whitespace; the key is the trimmed plate.
func CarKey(plate string) (string, error) {
	plate = strings.TrimSpace(plate)
	if plate == "" {
		return "", &KeyError{Entity: "car", Field: "plate_num"}
	}
	return plate, nil
}

// ClientKey resolves a client's natural key from their phone number.
func ClientKey(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", &KeyError{Entity: "client", Field: "phone_num"}
	}
	return phone, nil
}

// DriverKey resolves a driver's personnel number. Drivers carry no durable
// source-side identifier, so the key is a content hash over the ordered
// tuple of immutable attributes (last, first, middle name, birth date).
// The encoding matches md5(last_name || first_name || middle_name || birth_dt)
// so keys line up with rows produced by SQL-side extraction.
func DriverKey(lastName, firstName, middleName string, birthDate time.Time) (string, error) {
	if strings.TrimSpace(lastName) == "" {
		return "", &KeyError{Entity: "driver", Field: "last_name"}
	}
	if strings.TrimSpace(firstName) == "" {
		return "", &KeyError{Entity: "driver", Field: "first_name"}
	}
	if strings.TrimSpace(middleName) == "" {
		return "", &KeyError{Entity: "driver", Field: "middle_name"}
	}
	if birthDate.IsZero() {
		return "", &KeyError{Entity: "driver", Field: "birth_dt"}
	}

	sum := md5.Sum([]byte(lastName + firstName + middleName + birthDate.Format(BirthDateFormat)))
	return hex.EncodeToString(sum[:]), nil
}

// PaymentID derives the content key of a payment record from the raw
// transaction timestamp and card number, matching the file extractor's
// md5(transaction_dt || card_num) convention.
func PaymentID(rawTransactionDT, cardNum string) string {
	sum := md5.Sum([]byte(rawTransactionDT + cardNum))
	return hex.EncodeToString(sum[:])
}
