package sqlez

import "fmt"

// Binder is a value that binds itself to consecutive parameters starting at
// pos and returns the next free position.
type Binder interface {
	BindTo(s *Statement, pos int) (int, error)
}

// Columner is a value that decodes itself from consecutive columns starting
// at pos and returns the next unread position. Implement it on a pointer
// receiver.
type Columner interface {
	ColumnFrom(s *Statement, pos int) (int, error)
}

// Null binds NULL. As a column target it skips one column.
type Null struct{}

// bindValue binds v at pos. Scalars take exactly one position.
func bindValue(s *Statement, pos int, v any) (int, error) {
	var err error
	switch x := v.(type) {
	case nil, Null, *Null:
		err = s.BindNull(pos)
	case string:
		err = s.BindText(pos, x)
	case int64:
		err = s.BindInt64(pos, x)
	case int:
		err = s.BindInt64(pos, int64(x))
	case int32:
		err = s.BindInt(pos, x)
	case float64:
		err = s.BindDouble(pos, x)
	case []byte:
		err = s.BindBlob(pos, x)
	case Binder:
		return x.BindTo(s, pos)
	default:
		return pos, fmt.Errorf("%w: cannot bind %T at parameter %d", ErrUnsupportedType, v, pos)
	}
	if err != nil {
		return pos, err
	}
	return pos + 1, nil
}

// columnValue decodes column pos into dst. Scalars take exactly one position.
func columnValue(s *Statement, pos int, dst any) (int, error) {
	var err error
	switch d := dst.(type) {
	case *string:
		*d, err = s.ColumnText(pos)
	case *int64:
		*d, err = s.ColumnInt64(pos)
	case *int:
		var v int64
		v, err = s.ColumnInt64(pos)
		*d = int(v)
	case *int32:
		*d, err = s.ColumnInt(pos)
	case *float64:
		*d, err = s.ColumnDouble(pos)
	case *[]byte:
		var v []byte
		v, err = s.ColumnBlob(pos)
		*d = append([]byte{}, v...)
	case *any:
		*d, err = s.ColumnValue(pos)
	case *Null:
		_, err = s.ColumnType(pos)
	case Columner:
		return d.ColumnFrom(s, pos)
	default:
		return pos, fmt.Errorf("%w: cannot decode column %d into %T", ErrUnsupportedType, pos, dst)
	}
	if err != nil {
		return pos, err
	}
	return pos + 1, nil
}

// Tuple2 maps two consecutive positions.
type Tuple2[A, B any] struct {
	V1 A
	V2 B
}

// T2 builds a Tuple2.
func T2[A, B any](a A, b B) Tuple2[A, B] {
	return Tuple2[A, B]{V1: a, V2: b}
}

func (t Tuple2[A, B]) BindTo(s *Statement, pos int) (int, error) {
	return bindAll(s, pos, t.V1, t.V2)
}

func (t *Tuple2[A, B]) ColumnFrom(s *Statement, pos int) (int, error) {
	return columnAll(s, pos, &t.V1, &t.V2)
}

// Tuple3 maps three consecutive positions.
type Tuple3[A, B, C any] struct {
	V1 A
	V2 B
	V3 C
}

// T3 builds a Tuple3.
func T3[A, B, C any](a A, b B, c C) Tuple3[A, B, C] {
	return Tuple3[A, B, C]{V1: a, V2: b, V3: c}
}

func (t Tuple3[A, B, C]) BindTo(s *Statement, pos int) (int, error) {
	return bindAll(s, pos, t.V1, t.V2, t.V3)
}

func (t *Tuple3[A, B, C]) ColumnFrom(s *Statement, pos int) (int, error) {
	return columnAll(s, pos, &t.V1, &t.V2, &t.V3)
}

// Tuple4 maps four consecutive positions.
type Tuple4[A, B, C, D any] struct {
	V1 A
	V2 B
	V3 C
	V4 D
}

// T4 builds a Tuple4.
func T4[A, B, C, D any](a A, b B, c C, d D) Tuple4[A, B, C, D] {
	return Tuple4[A, B, C, D]{V1: a, V2: b, V3: c, V4: d}
}

func (t Tuple4[A, B, C, D]) BindTo(s *Statement, pos int) (int, error) {
	return bindAll(s, pos, t.V1, t.V2, t.V3, t.V4)
}

func (t *Tuple4[A, B, C, D]) ColumnFrom(s *Statement, pos int) (int, error) {
	return columnAll(s, pos, &t.V1, &t.V2, &t.V3, &t.V4)
}

func bindAll(s *Statement, pos int, values ...any) (int, error) {
	for _, v := range values {
		next, err := bindValue(s, pos, v)
		if err != nil {
			return pos, err
		}
		pos = next
	}
	return pos, nil
}

func columnAll(s *Statement, pos int, dst ...any) (int, error) {
	for _, d := range dst {
		next, err := columnValue(s, pos, d)
		if err != nil {
			return pos, err
		}
		pos = next
	}
	return pos, nil
}

// Nullable is a scalar that may be NULL. It always takes one position.
type Nullable[T any] struct {
	V     T
	Valid bool
}

// Some returns a valid Nullable holding v.
func Some[T any](v T) Nullable[T] {
	return Nullable[T]{V: v, Valid: true}
}

func (n Nullable[T]) BindTo(s *Statement, pos int) (int, error) {
	if !n.Valid {
		if err := s.BindNull(pos); err != nil {
			return pos, err
		}
		return pos + 1, nil
	}
	return bindValue(s, pos, n.V)
}

func (n *Nullable[T]) ColumnFrom(s *Statement, pos int) (int, error) {
	t, err := s.ColumnType(pos)
	if err != nil {
		return pos, err
	}
	if t == TypeNull {
		*n = Nullable[T]{}
		return pos + 1, nil
	}
	var v T
	next, err := columnValue(s, pos, &v)
	if err != nil {
		return pos, err
	}
	*n = Nullable[T]{V: v, Valid: true}
	return next, nil
}

func decodeRow[R any](s *Statement) (R, error) {
	var r R
	_, err := columnValue(s, 0, &r)
	return r, err
}

// Rows resets s and decodes every row into an R.
func Rows[R any](s *Statement) ([]R, error) {
	return Map(s, decodeRow[R])
}

// Row resets s and decodes the first row into an R. It fails with ErrNoRows
// when there is none.
func Row[R any](s *Statement) (R, error) {
	return Single(s, decodeRow[R])
}

// MaybeRow is like Row but reports a missing row through ok.
func MaybeRow[R any](s *Statement) (R, bool, error) {
	return Maybe(s, decodeRow[R])
}
