package storage

import "golang.org/x/crypto/bcrypt"

type passwordHasher struct {
	cost int
}

func newPasswordHasher(cost int) passwordHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return passwordHasher{cost: cost}
}

func (p passwordHasher) Hash(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	return string(bytes), err
}

func (p passwordHasher) Compare(hashedPassword, password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
	return err == nil
}
